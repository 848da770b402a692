package outbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"insert", "update", "upsert", "delete"} {
		op, err := ParseOperation(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(op))
	}

	_, err := ParseOperation("truncate")
	require.Error(t, err)
}

func TestEntityKeyString(t *testing.T) {
	t.Parallel()

	key := EntityKey{Table: "documents", RowID: "doc-1"}
	assert.Equal(t, "documents/doc-1", key.String())
}

func TestValidateMutation(t *testing.T) {
	t.Parallel()

	key := EntityKey{Table: "documents", RowID: "doc-1"}

	tests := []struct {
		name    string
		key     EntityKey
		op      Operation
		payload json.RawMessage
		wantErr error
	}{
		{"valid object", key, OpInsert, json.RawMessage(`{"a":1}`), nil},
		{"object with leading space", key, OpUpdate, json.RawMessage(` {"a":1}`), nil},
		{"delete without payload", key, OpDelete, nil, nil},
		{"delete with payload", key, OpDelete, json.RawMessage(`{"a":1}`), nil},
		{"missing table", EntityKey{RowID: "r"}, OpInsert, json.RawMessage(`{}`), ErrEmptyKey},
		{"missing row", EntityKey{Table: "t"}, OpInsert, json.RawMessage(`{}`), ErrEmptyKey},
		{"array payload", key, OpInsert, json.RawMessage(`[1]`), ErrInvalidPayload},
		{"scalar payload", key, OpInsert, json.RawMessage(`42`), ErrInvalidPayload},
		{"malformed JSON", key, OpInsert, json.RawMessage(`{"a":`), ErrInvalidPayload},
		{"empty non-delete", key, OpUpdate, nil, ErrInvalidPayload},
		{"whitespace only", key, OpUpdate, json.RawMessage("   "), ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateMutation(tt.key, tt.op, tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAIRequest(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateAIRequest("req-1", json.RawMessage(`{"prompt":"x"}`)))
	require.Error(t, ValidateAIRequest("", json.RawMessage(`{"prompt":"x"}`)))
	require.ErrorIs(t, ValidateAIRequest("req-1", nil), ErrInvalidPayload)
	require.ErrorIs(t, ValidateAIRequest("req-1", json.RawMessage(`"s"`)), ErrInvalidPayload)
}
