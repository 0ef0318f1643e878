package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_Levels(t *testing.T) {
	var buf bytes.Buffer

	SetupLogger(&buf, false)
	Logger.Debug("hidden")
	Logger.Info("shown", "run_id", "r1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "r1")

	buf.Reset()
	SetupLogger(&buf, true)
	Logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestSetupLogWriter(t *testing.T) {
	w, f, err := SetupLogWriter("")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)
	assert.Nil(t, f)

	path := filepath.Join(t.TempDir(), "logs", "bench.log")
	w, f, err = SetupLogWriter(path)
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	_, err = w.Write([]byte("line\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}
