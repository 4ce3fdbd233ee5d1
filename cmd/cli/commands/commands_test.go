package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseData(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		data, err := parseData("")
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("inline", func(t *testing.T) {
		data, err := parseData(`{"amount": 1500, "currency": "EUR"}`)
		require.NoError(t, err)
		assert.Equal(t, 1500.0, data["amount"])
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payload.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"approved": true}`), 0o600))

		data, err := parseData("@" + path)
		require.NoError(t, err)
		assert.Equal(t, true, data["approved"])
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := parseData(`[1, 2]`)
		assert.Error(t, err)
	})
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"validate", "deploy", "trigger", "status", "cancel", "resume", "timeline"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
