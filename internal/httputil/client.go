package httputil

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// HTTPClient is the part of *http.Client the API clients need. Use
// http.DefaultClient in production and HandlerClient in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HandlerClient serves requests from an in-process handler and records them.
type HandlerClient struct {
	Handler http.Handler
	// Err, when set, is returned instead of calling Handler.
	Err error

	mu       sync.Mutex
	requests []*http.Request
}

func NewHandlerClient(h http.Handler) *HandlerClient {
	return &HandlerClient{Handler: h}
}

func (c *HandlerClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	err := c.Err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// Requests returns the recorded requests in order.
func (c *HandlerClient) Requests() []*http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*http.Request(nil), c.requests...)
}
