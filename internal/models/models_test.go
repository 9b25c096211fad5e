package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBatchUnmarshalArray(t *testing.T) {
	var batch MessageBatch
	err := json.Unmarshal([]byte(`[{"id":"a","sender_type":"user"},{"id":"b","sender_type":"bot"}]`), &batch)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.Equal(t, SenderTypeBot, batch[1].SenderType)
}

func TestMessageBatchUnmarshalSingleObject(t *testing.T) {
	var batch MessageBatch
	err := json.Unmarshal([]byte(`{"id":"solo","sender_type":"user","message":"hi"}`), &batch)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "solo", batch[0].ID)
	assert.Equal(t, "hi", batch[0].Message)
}

func TestMessageBatchUnmarshalInvalid(t *testing.T) {
	var batch MessageBatch
	assert.Error(t, json.Unmarshal([]byte(`"not a message"`), &batch))
}

func TestMessageOptionalFieldsOmitted(t *testing.T) {
	data, err := json.Marshal(Message{ID: "a", SenderType: SenderTypeUser})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "is_read")
	assert.NotContains(t, raw, "reaction")
	assert.NotContains(t, raw, "sources")
	assert.NotContains(t, raw, "products")
}
