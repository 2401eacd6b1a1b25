package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/vyrodovalexey/gatekeeper/internal/execution"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
)

// Mode selects synchronous passthrough or asynchronous fire-and-track.
type Mode = execution.Mode

// Endpoint modes.
const (
	Sync  = execution.ModeSync
	Async = execution.ModeAsync
)

// Request is an immutable snapshot of an inbound request. Async handlers
// only ever see the snapshot, never the live *http.Request.
type Request struct {
	Method      string
	Path        string
	Header      http.Header
	Query       url.Values
	Params      map[string]string
	Body        []byte
	ContentType string
	RemoteAddr  string
	RequestID   string

	// TaskID is set for async invocations.
	TaskID string

	// Tasks lets async handlers report progress on TaskID.
	Tasks task.Manager

	// Values carries data produced by the endpoint's RequestAdapter.
	Values map[string]any
}

// Response is written verbatim to the client of a sync endpoint.
type Response struct {
	Status      int
	Header      http.Header
	ContentType string
	Body        []byte
}

// Text builds a plain text response.
func Text(status int, body string) *Response {
	return &Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

// JSON builds a JSON response from v.
func JSON(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Response{Status: status, ContentType: "application/json; charset=utf-8", Body: body}, nil
}

// Bytes builds a response with an explicit content type.
func Bytes(status int, contentType string, body []byte) *Response {
	return &Response{Status: status, ContentType: contentType, Body: body}
}

// Handler is the business logic of one endpoint. For async endpoints the
// returned response is discarded.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// RequestAdapter prepares a request before the handler runs, typically by
// decoding the body into Values. An error answers the client with 400.
type RequestAdapter func(ctx context.Context, req *Request) error

// Binding declares an endpoint.
type Binding struct {
	// Path is relative to the dispatcher prefix. Path parameters are not
	// supported because admission rules are keyed by literal path.
	Path string
	// Methods defaults to POST.
	Methods []string
	Mode    Mode
	Handler Handler
	Adapter RequestAdapter

	MaxConcurrentRequests *int
	AcceptedContentTypes  []string
	MaxContentLength      *int64
	RequestsPerSecond     float64
	Burst                 int

	// TraceName names the handler span; it defaults to the full path.
	TraceName string
	// Timeout bounds the handler context when positive.
	Timeout time.Duration
}

// Endpoint is a registered binding.
type Endpoint struct {
	// FullPath is the prefixed path used for routing and admission.
	FullPath string
	Binding  Binding
}
