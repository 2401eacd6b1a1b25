package admission

import (
	"fmt"
	"io"

	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// limitedBody enforces a byte ceiling on request bodies whose length was
// not declared up front. Reading past the ceiling yields ErrPayloadTooLarge.
type limitedBody struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func newLimitedBody(body io.ReadCloser, limit int64) *limitedBody {
	return &limitedBody{ReadCloser: body, remaining: limit, limit: limit}
}

// Read reads up to len(p) bytes into p, respecting the remaining limit.
func (l *limitedBody) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if l.remaining <= 0 {
		// The ceiling was reached exactly; only a further byte is an overflow.
		var probe [1]byte
		n, err := l.ReadCloser.Read(probe[:])
		if n > 0 {
			return 0, fmt.Errorf("body larger than %d bytes: %w", l.limit, util.ErrPayloadTooLarge)
		}
		return 0, err
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	return n, err
}
