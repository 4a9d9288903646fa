package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDerivesPeersByPort(t *testing.T) {
	os.Setenv("PORT", "8001")
	os.Setenv("NODE_ID", "n2")
	os.Setenv("ALL_NODES", "http://localhost:8000,http://localhost:8001,http://localhost:8002")
	defer os.Unsetenv("PORT")
	defer os.Unsetenv("NODE_ID")
	defer os.Unsetenv("ALL_NODES")

	c := LoadFromEnv()

	assert.Equal(t, 8001, c.Port)
	assert.Equal(t, "n2", c.NodeID)
	assert.Equal(t, 3, c.N())
	assert.ElementsMatch(t, []string{"http://localhost:8000", "http://localhost:8002"}, c.Peers)
}

func TestDefaultTimeouts(t *testing.T) {
	c := Default()
	assert.Less(t, c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	assert.Equal(t, 50, c.GrantWaitMaxPolls)
	assert.Equal(t, 3, c.PBFTByzantineThreshold)
}

func TestValidateRejectsEmptyNodeID(t *testing.T) {
	c := Default()
	c.AllNodes = []string{"http://localhost:8000"}
	c.NodeID = ""
	require.Error(t, c.Validate())
}

func TestLoadFromFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cluster.yaml"
	require.NoError(t, os.WriteFile(path, []byte("node_id: n9\nport: 9000\n"), 0o644))

	base := Default()
	base.AllNodes = []string{"http://localhost:9000"}
	base.derivePeers()

	merged, err := LoadFromFile(path, base)
	require.NoError(t, err)
	assert.Equal(t, "n9", merged.NodeID)
	assert.Equal(t, 9000, merged.Port)
}
