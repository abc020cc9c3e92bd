package telemetry

import (
	"io"
	"net/http"
	"path"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper and records call metrics
// for each request. The method label is the final path segment of the request
// URL, which for bot API calls is the method name and never the token.
type InstrumentedTransport struct {
	base http.RoundTripper
	name string
}

// NewInstrumentedTransport creates a transport wrapper that records metrics.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, name string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, name: name}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	method := path.Base(req.URL.Path)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordTransportCall(req.Context(), method, time.Since(start), "error")
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 400 {
		outcome = "error"
	}

	// Defer the duration record until the body is fully consumed so the
	// measurement covers the whole exchange, not just the headers.
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		req:        req,
		method:     method,
		outcome:    outcome,
		start:      start,
	}

	return resp, nil
}

type instrumentedBody struct {
	io.ReadCloser
	req     *http.Request
	method  string
	outcome string
	start   time.Time
	done    bool
}

func (b *instrumentedBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.done {
		b.done = true
		RecordTransportCall(b.req.Context(), b.method, time.Since(b.start), b.outcome)
	}
	return err
}
