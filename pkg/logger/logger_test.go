package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAndSetLoggerLevel(t *testing.T) {
	// Default should be INFO
	assert.Equal(t, GetLoggerLevel().String(), INFO.String())

	// It should be changeable
	assert.Nil(t, SetLoggerLevel(DEBUG.String()))
	assert.Equal(t, GetLoggerLevel().String(), DEBUG.String())
	assert.Nil(t, SetLoggerLevel(INFO.String()))
	assert.Equal(t, GetLoggerLevel().String(), INFO.String())

	assert.Error(t, SetLoggerLevel("LOUD"))
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	require.NoError(t, SetLoggerFormat(JSON))
	defer func() {
		SetOutput(os.Stderr)
		_ = SetLoggerFormat(HUMAN)
	}()

	t.Run("CarriesPIDAndFields", func(t *testing.T) {
		buf.Reset()
		SetField("role", "scanner")
		Info("staging archive: path=%q", "/tmp/a.tgz")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, `staging archive: path="/tmp/a.tgz"`, entry["message"])
		assert.Equal(t, "scanner", entry["role"])
		assert.EqualValues(t, os.Getpid(), entry["pid"])
	})

	t.Run("DebugIsFilteredAtInfo", func(t *testing.T) {
		buf.Reset()
		Debug("hidden")
		assert.Empty(t, buf.String())
	})
}
