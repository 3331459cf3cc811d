package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupRejectsUnknownLevel(t *testing.T) {
	err := Setup(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestSetupWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, Setup(Options{Level: "debug", Format: "json", File: path, MaxSizeMB: 1}))
	t.Cleanup(func() { _ = Setup(Options{}) })

	Logf("listening on %s", "127.0.0.1:7000")
	Debugf("probe sent to %d peers", 3)
	Flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "listening on 127.0.0.1:7000")
	assert.Contains(t, string(data), "probe sent to 3 peers")
	assert.Contains(t, string(data), "[peer="+GetPeerID()+"]")
}

func TestGetPeerIDIsStable(t *testing.T) {
	first := GetPeerID()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, GetPeerID())
}
