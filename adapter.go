// Package spattach contains core domain types and interfaces for the resilient
// SharePoint attachment access layer
package spattach

import (
	"context"
	"net/http"
)

// HTTPClient is the transport used to reach a SharePoint deployment.
// *http.Client satisfies it; tests substitute mocks or httptest-backed clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource hands out the anti-forgery form digest required on mutating calls.
// Implementations should handle caching and refresh so callers can ask on every request
type TokenSource interface {
	// Acquire returns a usable digest for the deployment at baseURL
	Acquire(ctx context.Context, baseURL string) (string, error)

	// Invalidate drops any cached digest for baseURL so the next Acquire
	// issues a fresh one
	Invalidate(baseURL string)
}

// Operation names a logical call the access layer knows how to route
type Operation string

const (
	OpListAttachments  Operation = "list_attachments"
	OpDeleteAttachment Operation = "delete_attachment"
)

// AttachmentRecord is one file attached to a list item.
// FileName is unique within a single item's attachment set.
type AttachmentRecord struct {
	FileName          string `json:"fileName"`
	ServerRelativeURL string `json:"serverRelativeUrl"`
}
