package spattach

import (
	"maps"
	"strings"
	"time"
)

// Method is the HTTP verb of a [RequestDescriptor]
type Method = string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"
	MethodPatch  Method = "PATCH"
)

// Header names shared by the resolver, token cache and executor
const (
	HeaderAccept         = "Accept"
	HeaderContentType    = "Content-Type"
	HeaderRequestDigest  = "X-RequestDigest"
	HeaderIfMatch        = "IF-MATCH"
	HeaderMethodOverride = "X-HTTP-Method"
	HeaderRetryAfter     = "Retry-After"

	AcceptNoMetadata = "application/json;odata=nometadata"
)

// RequestDescriptor fully describes one HTTP call. It is built once and never
// mutated; consumers that need different headers must use [RequestDescriptor.WithHeader].
type RequestDescriptor struct {
	URL     string
	Method  Method
	Headers map[string]string
	Body    []byte
}

// Mutating reports whether the call changes server state and therefore needs a form digest
func (d RequestDescriptor) Mutating() bool {
	return d.Method != MethodGet
}

// Header looks up a header case-insensitively
func (d RequestDescriptor) Header(name string) (string, bool) {
	for k, v := range d.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// WithHeader returns a copy of d with the header set, leaving d untouched
func (d RequestDescriptor) WithHeader(name, value string) RequestDescriptor {
	headers := make(map[string]string, len(d.Headers)+1)
	maps.Copy(headers, d.Headers)
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
	headers[name] = value
	d.Headers = headers
	return d
}

// BaseURL returns the deployment root the descriptor targets, i.e. everything
// before the "/_api/" or "/web/lists" path segment
func (d RequestDescriptor) BaseURL() string {
	return SiteRoot(d.URL)
}

// SiteRoot trims a SharePoint REST URL down to its site root
func SiteRoot(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	lower := asciiLower(u)
	for _, marker := range []string{"/_api/", "/web/lists"} {
		if i := strings.Index(lower, marker); i >= 0 {
			return u[:i]
		}
	}
	return strings.TrimRight(u, "/")
}

// asciiLower folds only A-Z so byte offsets stay valid for the original string
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// RateLimitHint is the server-advertised request budget parsed from response headers
type RateLimitHint struct {
	Remaining  int
	ResetAfter time.Duration
}

// OperationContext identifies the remote item an operation targets.
// It is supplied by the caller and read-only to this package.
type OperationContext struct {
	BaseURL   string `json:"baseUrl" yaml:"base_url"`
	ListTitle string `json:"listTitle,omitempty" yaml:"list_title,omitempty"`
	ListID    string `json:"listId,omitempty" yaml:"list_id,omitempty"`
	ItemID    int    `json:"itemId" yaml:"item_id"`
	FileName  string `json:"fileName,omitempty" yaml:"file_name,omitempty"` // delete only
}

// Validate checks the minimum fields needed to build requests for op.
// Returns an [*InsufficientContextError] listing every missing field.
func (oc OperationContext) Validate(op Operation) error {
	var missing []string
	if strings.TrimSpace(oc.BaseURL) == "" {
		missing = append(missing, "baseUrl")
	}
	if oc.ItemID <= 0 {
		missing = append(missing, "itemId")
	}
	if strings.TrimSpace(oc.ListTitle) == "" && strings.TrimSpace(oc.ListID) == "" {
		missing = append(missing, "listTitle|listId")
	}
	if op == OpDeleteAttachment && strings.TrimSpace(oc.FileName) == "" {
		missing = append(missing, "fileName")
	}
	if len(missing) > 0 {
		return &InsufficientContextError{Operation: op, Missing: missing}
	}
	return nil
}
