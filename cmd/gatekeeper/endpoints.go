package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/gatekeeper/internal/config"
	"github.com/vyrodovalexey/gatekeeper/internal/dispatch"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
)

// errSimulatedFailure is returned by the "fail" handler.
var errSimulatedFailure = errors.New("simulated handler failure")

func registerEndpoints(d *dispatch.Dispatcher, endpoints []config.EndpointConfig) error {
	for i := range endpoints {
		b, err := buildBinding(endpoints[i])
		if err != nil {
			return err
		}
		if _, err := d.Register(b); err != nil {
			return fmt.Errorf("endpoint %s: %w", endpoints[i].Path, err)
		}
	}
	return nil
}

func buildBinding(ec config.EndpointConfig) (dispatch.Binding, error) {
	handler, err := builtinHandler(ec)
	if err != nil {
		return dispatch.Binding{}, err
	}

	mode := dispatch.Sync
	if ec.Mode == config.ModeAsync {
		mode = dispatch.Async
	}

	return dispatch.Binding{
		Path:                  ec.Path,
		Methods:               ec.Methods,
		Mode:                  mode,
		Handler:               handler,
		MaxConcurrentRequests: ec.MaxConcurrentRequests,
		AcceptedContentTypes:  ec.AcceptedContentTypes,
		MaxContentLength:      ec.MaxContentLength,
		RequestsPerSecond:     ec.RequestsPerSecond,
		Burst:                 ec.Burst,
		TraceName:             ec.TraceName,
		Timeout:               ec.Timeout.Duration(),
	}, nil
}

func builtinHandler(ec config.EndpointConfig) (dispatch.Handler, error) {
	switch ec.Handler {
	case "echo":
		return echoHandler, nil
	case "delay":
		return delayHandler(ec.Delay.Duration()), nil
	case "fail":
		return failHandler, nil
	default:
		return nil, fmt.Errorf("endpoint %s: unknown handler %q", ec.Path, ec.Handler)
	}
}

// echoHandler returns the request body. As a background task it records
// the size of what it would have returned.
func echoHandler(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	if req.TaskID != "" && req.Tasks != nil {
		return nil, req.Tasks.CompleteTask(ctx, req.TaskID, fmt.Sprintf("echoed %d bytes", len(req.Body)))
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return dispatch.Bytes(http.StatusOK, contentType, req.Body), nil
}

// delayHandler sleeps for d before echoing, marking tasks running meanwhile.
func delayHandler(d time.Duration) dispatch.Handler {
	return func(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
		if req.TaskID != "" && req.Tasks != nil {
			if err := req.Tasks.UpdateTaskStatus(ctx, req.TaskID, task.StatusRunning, ""); err != nil {
				return nil, err
			}
		}

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return echoHandler(ctx, req)
	}
}

func failHandler(context.Context, *dispatch.Request) (*dispatch.Response, error) {
	return nil, errSimulatedFailure
}
