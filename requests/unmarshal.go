package requests

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/brettbedarf/spattach"
	"github.com/brettbedarf/spattach/internal/util"
)

// ParseOperation maps the short CLI/file names to operations.
// The full operation names are accepted as well.
func ParseOperation(name string) (spattach.Operation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "list", string(spattach.OpListAttachments):
		return spattach.OpListAttachments, nil
	case "delete", string(spattach.OpDeleteAttachment):
		return spattach.OpDeleteAttachment, nil
	}
	return "", fmt.Errorf("unknown operation %q", name)
}

// UnmarshalDTO decodes a request DTO from JSON
func UnmarshalDTO(data []byte) (*OperationRequestDTO, error) {
	var dto OperationRequestDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// LoadDTOFile reads a request DTO from a .json, .yaml or .yml file
func LoadDTOFile(path string) (*OperationRequestDTO, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var dto OperationRequestDTO
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &dto)
	case ".json":
		err = json.Unmarshal(data, &dto)
	default:
		return nil, fmt.Errorf("unsupported context file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse context file %s: %w", path, err)
	}
	return &dto, nil
}

// Convert applies defaults to dto. defaultOp is used when the DTO names no
// operation. Field presence is not checked here; the repository reports
// missing fields as [*spattach.InsufficientContextError].
func Convert(dto *OperationRequestDTO, defaultOp spattach.Operation) (*OperationRequest, error) {
	if dto == nil {
		dto = &OperationRequestDTO{}
	}

	op := defaultOp
	if dto.Operation != nil {
		parsed, err := ParseOperation(*dto.Operation)
		if err != nil {
			return nil, err
		}
		op = parsed
	}

	req := &OperationRequest{
		ID:        util.ValueOrDefault(dto.ID, uuid.NewString()),
		Operation: op,
		Context: spattach.OperationContext{
			BaseURL:   strings.TrimSpace(util.ValueOrDefault(dto.BaseURL, "")),
			ListTitle: strings.TrimSpace(util.ValueOrDefault(dto.ListTitle, "")),
			ListID:    strings.TrimSpace(util.ValueOrDefault(dto.ListID, "")),
			ItemID:    int(util.ValueOrDefault(dto.ItemID, 0)),
			FileName:  util.ValueOrDefault(dto.FileName, ""),
		},
	}
	return req, nil
}

// UnmarshalRequest decodes and converts a JSON request in one step
func UnmarshalRequest(data []byte, defaultOp spattach.Operation) (*OperationRequest, error) {
	dto, err := UnmarshalDTO(data)
	if err != nil {
		return nil, err
	}
	return Convert(dto, defaultOp)
}
