package mocks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/brettbedarf/spattach"
	"github.com/stretchr/testify/mock"
)

// MockHTTPClient implements spattach.HTTPClient for testing across packages
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)

	// Handle function return types so each call can build a fresh body
	if fn, ok := args.Get(0).(func(*http.Request) *http.Response); ok {
		return fn(req), args.Error(1)
	}

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

var _ spattach.HTTPClient = (*MockHTTPClient)(nil)

// Respond returns a response builder usable as a MockHTTPClient return value
func Respond(status int, body string, headers map[string]string) func(*http.Request) *http.Response {
	return func(req *http.Request) *http.Response {
		h := make(http.Header, len(headers))
		for k, v := range headers {
			h.Set(k, v)
		}
		return &http.Response{
			StatusCode: status,
			Status:     http.StatusText(status),
			Header:     h,
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    req,
		}
	}
}

// MockTokenSource implements spattach.TokenSource for testing across packages
type MockTokenSource struct {
	mock.Mock
}

func (m *MockTokenSource) Acquire(ctx context.Context, baseURL string) (string, error) {
	args := m.Called(ctx, baseURL)
	return args.String(0), args.Error(1)
}

func (m *MockTokenSource) Invalidate(baseURL string) {
	m.Called(baseURL)
}

var _ spattach.TokenSource = (*MockTokenSource)(nil)
