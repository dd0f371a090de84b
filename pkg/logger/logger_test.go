package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := GetLevel()
	SetOutput(buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(prev)
	})
	return buf
}

func TestInfoCF_WritesComponentAndFields(t *testing.T) {
	buf := captureLogs(t)
	SetLevel(INFO)

	InfoCF("quota", "User over daily limit", map[string]any{"user_id": "42", "count": 50})

	out := buf.String()
	assert.Contains(t, out, "component=quota")
	assert.Contains(t, out, "user_id=42")
	assert.Contains(t, out, "count=50")
	assert.Contains(t, out, "User over daily limit")
}

func TestSetLevel_FiltersDebug(t *testing.T) {
	buf := captureLogs(t)

	SetLevel(INFO)
	DebugC("agent", "hidden")
	assert.Empty(t, buf.String())

	SetLevel(DEBUG)
	DebugC("agent", "visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, DEBUG, GetLevel())
}
