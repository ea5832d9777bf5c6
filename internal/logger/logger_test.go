package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Output: &buf, ServiceName: "test"})

	ctx := log.WithContext(context.Background())
	ctx = WithFieldsContext(ctx, Fields{FieldSink: "weather", FieldBatchID: "b1"})
	FromContext(ctx).Info("dispatched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatched", line["message"])
	assert.Equal(t, "weather", line[FieldSink])
	assert.Equal(t, "b1", line[FieldBatchID])
	assert.Equal(t, "test", line["service"])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, Default(), FromContext(context.Background()))
}
