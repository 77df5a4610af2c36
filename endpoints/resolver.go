// Package endpoints turns a logical operation into the ordered list of
// equally plausible SharePoint REST request shapes to try.
//
// Ordering is fixed: list-GUID forms before list-title forms, "/_api"-prefixed
// before un-prefixed, item-by-id before $filter. Deployments differ in which
// shapes they accept, so the repository walks the list until one works.
package endpoints

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/brettbedarf/spattach"
)

// Candidate is one endpoint shape. Fallback, when set, is retried against the
// same URL if Primary fails (used for the POST + X-HTTP-Method delete variant).
type Candidate struct {
	Label    string
	Primary  spattach.RequestDescriptor
	Fallback *spattach.RequestDescriptor
}

// Resolver builds candidate lists from the builders in its [Registry].
// The zero value uses the built-in list and delete builders.
type Resolver struct {
	reg *Registry
}

// NewResolver returns a Resolver backed by reg
func NewResolver(reg *Registry) Resolver {
	return Resolver{reg: reg}
}

// ListKey is one way of addressing the list in a URL, e.g. "/web/lists(guid'...')"
type ListKey struct {
	Label string
	Path  string
}

type prefix struct {
	label string
	path  string
}

var (
	prefixAPI   = prefix{"api", "/_api"}
	prefixPlain = prefix{"plain", ""}
)

const attachmentQuery = "$select=AttachmentFiles&$expand=AttachmentFiles"

// Resolve returns the candidates for op in try order. It fails with
// [*spattach.InsufficientContextError] and no candidates if oc cannot be routed.
func (r Resolver) Resolve(op spattach.Operation, oc spattach.OperationContext) ([]Candidate, error) {
	build, err := r.registry().Builder(op)
	if err != nil {
		return nil, err
	}
	if err := oc.Validate(op); err != nil {
		return nil, err
	}

	base := strings.TrimRight(strings.TrimSpace(oc.BaseURL), "/")
	keys := listKeys(oc)
	if len(keys) == 0 {
		return nil, &spattach.InsufficientContextError{Operation: op, Missing: []string{"listTitle|listId"}}
	}
	return build(base, keys, oc), nil
}

func (r Resolver) registry() *Registry {
	if r.reg == nil {
		return builtins
	}
	return r.reg
}

// Resolve uses a zero [Resolver]
func Resolve(op spattach.Operation, oc spattach.OperationContext) ([]Candidate, error) {
	return Resolver{}.Resolve(op, oc)
}

// listKeys returns the GUID form first since it survives list renames
func listKeys(oc spattach.OperationContext) []ListKey {
	keys := make([]ListKey, 0, 2)
	if id := normalizeGUID(oc.ListID); id != "" {
		keys = append(keys, ListKey{"guid", fmt.Sprintf("/web/lists(guid'%s')", url.PathEscape(id))})
	}
	if title := strings.TrimSpace(oc.ListTitle); title != "" {
		keys = append(keys, ListKey{"title", fmt.Sprintf("/web/lists/getbytitle('%s')", odataLiteral(title))})
	}
	return keys
}

func listCandidates(base string, keys []ListKey, oc spattach.OperationContext) []Candidate {
	itemID := oc.ItemID
	candidates := make([]Candidate, 0, len(keys)*4)
	for _, key := range keys {
		for _, p := range []prefix{prefixAPI, prefixPlain} {
			list := base + p.path + key.Path
			candidates = append(candidates,
				Candidate{
					Label:   key.Label + "/" + p.label + "/item",
					Primary: getDescriptor(fmt.Sprintf("%s/items(%d)?%s", list, itemID, attachmentQuery)),
				},
				Candidate{
					Label:   key.Label + "/" + p.label + "/filter",
					Primary: getDescriptor(fmt.Sprintf("%s/items?$filter=Id%%20eq%%20%d&%s", list, itemID, attachmentQuery)),
				},
			)
		}
	}
	return candidates
}

func deleteCandidates(base string, keys []ListKey, oc spattach.OperationContext) []Candidate {
	itemID, fileName := oc.ItemID, oc.FileName
	candidates := make([]Candidate, 0, len(keys))
	for _, key := range keys {
		target := fmt.Sprintf("%s%s%s/items(%d)/AttachmentFiles/getByFileName('%s')",
			base, prefixAPI.path, key.Path, itemID, odataLiteral(fileName))
		override := spattach.RequestDescriptor{
			URL:    target,
			Method: spattach.MethodPost,
			Headers: map[string]string{
				spattach.HeaderAccept:         spattach.AcceptNoMetadata,
				spattach.HeaderIfMatch:        "*",
				spattach.HeaderMethodOverride: spattach.MethodDelete,
			},
		}
		candidates = append(candidates, Candidate{
			Label: key.Label + "/" + prefixAPI.label,
			Primary: spattach.RequestDescriptor{
				URL:    target,
				Method: spattach.MethodDelete,
				Headers: map[string]string{
					spattach.HeaderAccept:  spattach.AcceptNoMetadata,
					spattach.HeaderIfMatch: "*",
				},
			},
			Fallback: &override,
		})
	}
	return candidates
}

func getDescriptor(u string) spattach.RequestDescriptor {
	return spattach.RequestDescriptor{
		URL:     u,
		Method:  spattach.MethodGet,
		Headers: map[string]string{spattach.HeaderAccept: spattach.AcceptNoMetadata},
	}
}

// odataLiteral escapes s for use inside a single-quoted OData string literal
// in a URL path: quotes are doubled, then the result is path-escaped with
// the quotes themselves left readable.
func odataLiteral(s string) string {
	escaped := url.PathEscape(strings.ReplaceAll(s, "'", "''"))
	return strings.ReplaceAll(escaped, "%27", "'")
}

// normalizeGUID accepts "{GUID}", "guid'GUID'" and bare GUID forms
func normalizeGUID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(strings.ToLower(id), "guid'") && strings.HasSuffix(id, "'") {
		id = id[len("guid'") : len(id)-1]
	}
	return strings.Trim(id, "{}")
}
