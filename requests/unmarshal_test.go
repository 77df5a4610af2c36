package requests

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettbedarf/spattach"
	"github.com/brettbedarf/spattach/internal/util"
)

func TestUnmarshalRequest(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "req-1",
		"operation": "delete",
		"baseUrl": " https://contoso.sharepoint.com/sites/hr/ ",
		"listTitle": "Leave Requests",
		"listId": "{0f9c1b7e-1111-2222-3333-444455556666}",
		"itemId": 42,
		"fileName": "note.pdf"
	}`)

	req, err := UnmarshalRequest(data, spattach.OpListAttachments)

	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, spattach.OpDeleteAttachment, req.Operation)
	assert.Equal(t, spattach.OperationContext{
		BaseURL:   "https://contoso.sharepoint.com/sites/hr/",
		ListTitle: "Leave Requests",
		ListID:    "{0f9c1b7e-1111-2222-3333-444455556666}",
		ItemID:    42,
		FileName:  "note.pdf",
	}, req.Context)
}

func TestUnmarshalRequest_Defaults(t *testing.T) {
	t.Parallel()

	req, err := UnmarshalRequest([]byte(`{"baseUrl":"https://t/sites/a","itemId":"7"}`), spattach.OpListAttachments)

	require.NoError(t, err)
	assert.Equal(t, spattach.OpListAttachments, req.Operation)
	assert.Equal(t, 7, req.Context.ItemID, "string ids are accepted")
	_, err = uuid.Parse(req.ID)
	assert.NoError(t, err, "a correlation id is generated")

	other, err := UnmarshalRequest([]byte(`{}`), spattach.OpListAttachments)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, other.ID)
}

func TestUnmarshalRequest_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `itemId: 3`},
		{"bad item id", `{"itemId":"seven"}`},
		{"fractional item id", `{"itemId":1.5}`},
		{"item id object", `{"itemId":{"v":1}}`},
		{"unknown operation", `{"operation":"upload"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := UnmarshalRequest([]byte(tt.data), spattach.OpListAttachments)
			assert.Error(t, err)
		})
	}
}

func TestParseOperation(t *testing.T) {
	t.Parallel()

	tests := map[string]spattach.Operation{
		"list":              spattach.OpListAttachments,
		" LIST ":            spattach.OpListAttachments,
		"list_attachments":  spattach.OpListAttachments,
		"delete":            spattach.OpDeleteAttachment,
		"delete_attachment": spattach.OpDeleteAttachment,
	}
	for in, want := range tests {
		got, err := ParseOperation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseOperation("rename")
	assert.Error(t, err)
}

func TestLoadDTOFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "ctx.yaml")
		content := `base_url: https://contoso.sharepoint.com/sites/hr
list_title: Leave Requests
item_id: "12"
file_name: doctor's note.pdf
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		dto, err := LoadDTOFile(path)
		require.NoError(t, err)
		req, err := Convert(dto, spattach.OpDeleteAttachment)
		require.NoError(t, err)
		assert.Equal(t, spattach.OperationContext{
			BaseURL:   "https://contoso.sharepoint.com/sites/hr",
			ListTitle: "Leave Requests",
			ItemID:    12,
			FileName:  "doctor's note.pdf",
		}, req.Context)
	})

	t.Run("yml with numeric id", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "ctx.yml")
		require.NoError(t, os.WriteFile(path, []byte("item_id: 5\nlist_id: abc\n"), 0o644))

		dto, err := LoadDTOFile(path)
		require.NoError(t, err)
		require.NotNil(t, dto.ItemID)
		assert.Equal(t, ItemID(5), *dto.ItemID)
		assert.Equal(t, "abc", *dto.ListID)
	})

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "ctx.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"listId":"abc","itemId":3}`), 0o644))

		dto, err := LoadDTOFile(path)
		require.NoError(t, err)
		assert.Equal(t, ItemID(3), *dto.ItemID)
	})

	t.Run("yaml sequence id", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("item_id: [1, 2]\n"), 0o644))

		_, err := LoadDTOFile(path)
		assert.ErrorContains(t, err, "item id must be a scalar")
	})

	t.Run("unsupported extension", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "ctx.toml")
		require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))

		_, err := LoadDTOFile(path)
		assert.ErrorContains(t, err, "unsupported context file extension")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadDTOFile(filepath.Join(dir, "nope.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestOperationRequestDTO_Merge(t *testing.T) {
	t.Parallel()

	base := &OperationRequestDTO{
		BaseURL:   util.Pointer("https://a"),
		ListTitle: util.Pointer("A"),
		ItemID:    util.Pointer(ItemID(1)),
	}
	base.Merge(&OperationRequestDTO{
		ListTitle: util.Pointer("B"),
		FileName:  util.Pointer("f.txt"),
	})
	base.Merge(nil)

	assert.Equal(t, "https://a", *base.BaseURL)
	assert.Equal(t, "B", *base.ListTitle)
	assert.Equal(t, ItemID(1), *base.ItemID)
	assert.Equal(t, "f.txt", *base.FileName)
	assert.Nil(t, base.ListID)
}
