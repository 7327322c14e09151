package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker and records metrics consistently.
// It can be used directly through Do or installed as the Transport of another client.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	dep     Dependency
	backend string
	logger  *zap.Logger
}

// NewHTTPWrapper guards calls to backend (for example "openai" or "tavily")
// serving dep.
func NewHTTPWrapper(client *http.Client, dep Dependency, backend string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(string(dep)+"/"+backend, GetHTTPConfig().ToConfig(), logger)
	Breakers.Track(dep, backend, cb)
	return &HTTPWrapper{client: client, cb: cb, dep: dep, backend: backend, logger: logger}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses are treated as failures
// for breaker purposes; 4xx do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	return hw.execute(req, hw.client.Do)
}

// RoundTrip implements http.RoundTripper using the wrapped client's transport.
func (hw *HTTPWrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := hw.client.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return hw.execute(req, rt.RoundTrip)
}

// Breaker exposes the underlying breaker.
func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

func (hw *HTTPWrapper) execute(req *http.Request, send func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err2 error
		resp, err2 = send(req)
		if err2 != nil {
			return err2
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	var statusErr *httpStatusError
	isStatus := errors.As(err, &statusErr)
	Breakers.Observe(hw.dep, hw.backend, err, err == nil)

	// a 5xx still carries a response the caller may want to read
	if isStatus {
		return resp, nil
	}
	return resp, err
}

// httpStatusError marks 5xx responses for breaker accounting
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
