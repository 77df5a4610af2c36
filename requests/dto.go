package requests

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brettbedarf/spattach"
)

// OperationRequest is a decoded, defaulted request for one repository operation
type OperationRequest struct {
	ID        string // correlation id for logs, generated when absent
	Operation spattach.Operation
	Context   spattach.OperationContext
}

// OperationRequestDTO is the JSON/YAML representation of [OperationRequest].
// Every field is optional so files and flags can be layered.
type OperationRequestDTO struct {
	ID        *string `json:"id,omitempty" yaml:"id,omitempty"`
	Operation *string `json:"operation,omitempty" yaml:"operation,omitempty"` // "list" or "delete"
	BaseURL   *string `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
	ListTitle *string `json:"listTitle,omitempty" yaml:"list_title,omitempty"`
	ListID    *string `json:"listId,omitempty" yaml:"list_id,omitempty"`
	ItemID    *ItemID `json:"itemId,omitempty" yaml:"item_id,omitempty"`
	FileName  *string `json:"fileName,omitempty" yaml:"file_name,omitempty"` // delete only
}

// Merge overwrites d's fields with every non-nil field of override
func (d *OperationRequestDTO) Merge(override *OperationRequestDTO) {
	if override == nil {
		return
	}
	if override.ID != nil {
		d.ID = override.ID
	}
	if override.Operation != nil {
		d.Operation = override.Operation
	}
	if override.BaseURL != nil {
		d.BaseURL = override.BaseURL
	}
	if override.ListTitle != nil {
		d.ListTitle = override.ListTitle
	}
	if override.ListID != nil {
		d.ListID = override.ListID
	}
	if override.ItemID != nil {
		d.ItemID = override.ItemID
	}
	if override.FileName != nil {
		d.FileName = override.FileName
	}
}

// ItemID is a list item id that accepts both 7 and "7" on input.
// Hosting pages often hand the id over as a string.
type ItemID int

func (id *ItemID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("item id must be a number or numeric string: %s", data)
		}
		n = json.Number(s)
	}
	return id.parse(string(n))
}

func (id *ItemID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: item id must be a scalar", node.Line)
	}
	return id.parse(node.Value)
}

func (id *ItemID) parse(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid item id %q: %w", s, err)
	}
	*id = ItemID(n)
	return nil
}
