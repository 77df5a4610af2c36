// Package normalize converts the attachment payloads SharePoint returns for
// the different endpoint shapes into one []spattach.AttachmentRecord.
package normalize

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"

	"github.com/brettbedarf/spattach"
)

// Shape tags the payload layout a body was recognised as
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeCollection is {"value":[{"AttachmentFiles":[...]}]} as returned by $filter queries
	ShapeCollection
	// ShapeItem is {"AttachmentFiles":[...]} as returned by items(<id>)
	ShapeItem
	// ShapeVerbose is the odata=verbose envelope {"d":{...}}
	ShapeVerbose
)

func (s Shape) String() string {
	switch s {
	case ShapeCollection:
		return "collection"
	case ShapeItem:
		return "item"
	case ShapeVerbose:
		return "verbose"
	default:
		return "unknown"
	}
}

// attachmentFile is one raw AttachmentFiles entry
type attachmentFile struct {
	FileName          string `json:"FileName"`
	ServerRelativeURL string `json:"ServerRelativeUrl"`
}

// verboseFiles is the odata=verbose deferred collection {"results":[...]}
type verboseFiles struct {
	Results []attachmentFile `json:"results"`
}

// envelope decodes just enough to tell the shapes apart. RawMessage fields
// are nil when the key is absent and "null" when it is explicitly null.
type envelope struct {
	Value           json.RawMessage `json:"value"`
	AttachmentFiles json.RawMessage `json:"AttachmentFiles"`
	D               json.RawMessage `json:"d"`
}

// Attachments normalises a successful list-attachments body.
// An unrecognised body yields a [*spattach.NormalizationError]; that usually
// means the endpoint shape is wrong for the deployment, not that data is bad.
func Attachments(body []byte, contentType string) ([]spattach.AttachmentRecord, error) {
	_, records, err := Detect(body, contentType)
	return records, err
}

// Detect is [Attachments] that also reports which shape matched
func Detect(body []byte, contentType string) (Shape, []spattach.AttachmentRecord, error) {
	if contentType != "" && !isJSON(contentType) {
		return ShapeUnknown, nil, &spattach.NormalizationError{Reason: "content type " + contentType + " is not JSON"}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ShapeUnknown, nil, &spattach.NormalizationError{Reason: "empty body"}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ShapeUnknown, nil, &spattach.NormalizationError{Reason: "invalid JSON object", Err: err}
	}

	switch {
	case env.Value != nil:
		files, err := fromCollection(env.Value)
		if err != nil {
			return ShapeCollection, nil, err
		}
		return ShapeCollection, toRecords(files), nil
	case env.AttachmentFiles != nil:
		files, err := decodeFiles(env.AttachmentFiles)
		if err != nil {
			return ShapeItem, nil, err
		}
		return ShapeItem, toRecords(files), nil
	case env.D != nil:
		files, err := fromVerbose(env.D)
		if err != nil {
			return ShapeVerbose, nil, err
		}
		return ShapeVerbose, toRecords(files), nil
	}
	return ShapeUnknown, nil, &spattach.NormalizationError{Reason: "no value, AttachmentFiles or d member"}
}

// fromCollection reads the first item of a {"value":[...]} collection.
// An empty collection means no matching item and yields no files.
func fromCollection(raw json.RawMessage) ([]attachmentFile, error) {
	var items []struct {
		AttachmentFiles json.RawMessage `json:"AttachmentFiles"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &spattach.NormalizationError{Reason: "value is not an array of items", Err: err}
	}
	if len(items) == 0 {
		return nil, nil
	}
	return decodeFiles(items[0].AttachmentFiles)
}

// fromVerbose handles {"d":{"AttachmentFiles":{"results":[...]}}} and
// {"d":{"results":[{"AttachmentFiles":{"results":[...]}}]}}
func fromVerbose(raw json.RawMessage) ([]attachmentFile, error) {
	var d struct {
		AttachmentFiles json.RawMessage `json:"AttachmentFiles"`
		Results         []struct {
			AttachmentFiles json.RawMessage `json:"AttachmentFiles"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &spattach.NormalizationError{Reason: "d is not an object", Err: err}
	}
	switch {
	case d.AttachmentFiles != nil:
		return decodeFiles(d.AttachmentFiles)
	case d.Results != nil:
		if len(d.Results) == 0 {
			return nil, nil
		}
		return decodeFiles(d.Results[0].AttachmentFiles)
	}
	return nil, &spattach.NormalizationError{Reason: "d carries no AttachmentFiles"}
}

// decodeFiles accepts an array, a verbose {"results":[...]} wrapper, null or absent
func decodeFiles(raw json.RawMessage) ([]attachmentFile, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var wrapped verboseFiles
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, &spattach.NormalizationError{Reason: "AttachmentFiles object is not a results wrapper", Err: err}
		}
		return wrapped.Results, nil
	}
	var files []attachmentFile
	if err := json.Unmarshal(trimmed, &files); err != nil {
		return nil, &spattach.NormalizationError{Reason: "AttachmentFiles is not an array", Err: err}
	}
	return files, nil
}

// toRecords drops entries missing either field and never returns nil
func toRecords(files []attachmentFile) []spattach.AttachmentRecord {
	records := make([]spattach.AttachmentRecord, 0, len(files))
	for _, f := range files {
		if f.FileName == "" || f.ServerRelativeURL == "" {
			continue
		}
		records = append(records, spattach.AttachmentRecord{
			FileName:          f.FileName,
			ServerRelativeURL: f.ServerRelativeURL,
		})
	}
	return records
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
