package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("deaddrop-test", false, &buf)

	l.WithField("dropID", "d1").Info("drop burned")
	l.Debug("hidden at info level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "deaddrop-test", entry["service"])
	assert.Equal(t, "d1", entry["dropID"])
	assert.Equal(t, "drop burned", entry["msg"])
	assert.Contains(t, entry, "epochTimeMillis")
}

func TestWithFuncName(t *testing.T) {
	var buf bytes.Buffer
	l := New("deaddrop-test", true, &buf)

	WithFuncName(l).Debug("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.True(t, strings.HasSuffix(entry[FieldFuncName].(string), "TestWithFuncName"))
}
