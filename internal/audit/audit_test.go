package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return New(slog.New(slog.NewJSONHandler(&buf, nil))), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestEvent_WritesStructuredRecord(t *testing.T) {
	l, buf := capture(t)
	l.Event(context.Background(), RoleGranted, "room", "dm_x", "user_id", 7, slog.String("role", "owner"))

	record := decode(t, buf)
	assert.Equal(t, RecordName, record["msg"])
	assert.Equal(t, RoleGranted, record["event"])
	assert.Equal(t, "audit", record["component"])
	assert.Equal(t, "dm_x", record["room"])
	assert.Equal(t, float64(7), record["user_id"])
	assert.Equal(t, "owner", record["role"])
}

func TestEvent_MasksSensitiveValues(t *testing.T) {
	l, buf := capture(t)
	l.Event(context.Background(), ConnectDenied,
		"access_token", "eyJhbGciOi",
		"Authorization", "Bearer abc",
		slog.Group("request", slog.String("cookie", "sid=1"), slog.String("path", "/ws/direct/")),
		"ip", "10.0.0.1",
	)

	record := decode(t, buf)
	assert.Equal(t, masked, record["access_token"])
	assert.Equal(t, masked, record["Authorization"])
	assert.Equal(t, "10.0.0.1", record["ip"])
	request := record["request"].(map[string]any)
	assert.Equal(t, masked, request["cookie"])
	assert.Equal(t, "/ws/direct/", request["path"])
}

func TestEvent_NilLoggerIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Event(context.Background(), RoleGranted) })
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, IsSensitive("client_secret"))
	assert.True(t, IsSensitive("PASSWORD"))
	assert.False(t, IsSensitive("username"))
}
