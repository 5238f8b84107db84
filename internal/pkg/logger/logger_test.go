package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(DEBUG)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	})
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]string {
	t.Helper()
	var entry map[string]string
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactEmail(tt.in), tt.in)
	}
}

func TestRedactPhone(t *testing.T) {
	assert.Equal(t, "***21", RedactPhone("+593 98 765 4321"))
	assert.Equal(t, "***", RedactPhone("7"))
}

func TestLogRedactsPIIFields(t *testing.T) {
	buf := captureDefault(t)

	Info("row rejected", "email", "maria.lopez@example.com", "phone", "0987654321", "note", "contact jane.roe@corp.ec")

	entry := decodeLine(t, buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "row rejected", entry["msg"])
	assert.Equal(t, "ma***@example.com", entry["email"])
	assert.Equal(t, "***21", entry["phone"])
	assert.Equal(t, "contact ja***@corp.ec", entry["note"])
}

func TestWithCarriesFields(t *testing.T) {
	buf := captureDefault(t)

	l := With("job_id", "job-1")
	l.Warn("batch failed", "batch", 3)

	entry := decodeLine(t, buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "3", entry["batch"])
}

func TestLevelFiltering(t *testing.T) {
	buf := captureDefault(t)
	SetLevel(ERROR)

	Info("dropped")
	assert.Zero(t, buf.Len())

	Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}
