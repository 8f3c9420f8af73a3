package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("APP_NODE_ID", "2")
	t.Setenv("APP_LOG_LEVEL", "DEBUG")
	t.Setenv("APP_RAFT_GRPC_ADDR", ":19092")
	t.Setenv("APP_API_GRPC_ADDR", ":18082")
	t.Setenv("APP_PEERS", "1=node1:9090, 2=node2:9090,3=node3:9090")
	t.Setenv("APP_BOOTSTRAP", "true")
	t.Setenv("APP_INITIAL_MEMBERS", "1,2,3")
	t.Setenv("APP_STORAGE", "bolt")
	t.Setenv("APP_DATA_DIR", "/var/lib/studentkv")
	t.Setenv("APP_HEARTBEAT_INTERVAL", "50ms")
	t.Setenv("APP_ELECTION_TIMEOUT_MIN", "300ms")
	t.Setenv("APP_ELECTION_TIMEOUT_MAX", "600ms")
	t.Setenv("APP_WRITE_TIMEOUT", "2s")
	t.Setenv("APP_SNAPSHOT_THRESHOLD", "0")
	t.Setenv("APP_METRICS_ADDR", ":2112")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, uint64(2), cfg.NodeID)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":19092", cfg.RaftGRPCAddr)
	assert.Equal(t, ":18082", cfg.APIGRPCAddr)
	assert.True(t, cfg.Bootstrap)
	assert.Equal(t, []uint64{1, 2, 3}, cfg.InitialMembers)
	assert.Equal(t, StorageBolt, cfg.Storage)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
	assert.Equal(t, ":2112", cfg.MetricsAddr)

	peers, err := cfg.PeerAddrMap()
	require.NoError(t, err)
	assert.Equal(t, map[raft.NodeID]string{1: "node1:9090", 2: "node2:9090", 3: "node3:9090"}, peers)

	rc := cfg.RaftConfig()
	assert.Equal(t, raft.NodeID(2), rc.ID)
	assert.Equal(t, 50*time.Millisecond, rc.HeartbeatInterval)
	assert.Equal(t, 300*time.Millisecond, rc.ElectionTimeoutMin)
	assert.Equal(t, 600*time.Millisecond, rc.ElectionTimeoutMax)
	assert.Zero(t, rc.SnapshotThreshold)
}

func TestLoadConfigFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "zero node id", env: map[string]string{"APP_NODE_ID": "0"}},
		{name: "bad node id", env: map[string]string{"APP_NODE_ID": "one"}},
		{name: "bad log level", env: map[string]string{"APP_LOG_LEVEL": "trace"}},
		{name: "bad storage", env: map[string]string{"APP_STORAGE": "sqlite"}},
		{name: "bad duration", env: map[string]string{"APP_RPC_TIMEOUT": "soon"}},
		{name: "bad bool", env: map[string]string{"APP_BOOTSTRAP": "maybe"}},
		{name: "peer without id", env: map[string]string{"APP_PEERS": "node1:9090"}},
		{name: "duplicate peer", env: map[string]string{"APP_PEERS": "1=a:1,1=b:1"}},
		{name: "self not in members", env: map[string]string{
			"APP_BOOTSTRAP":       "true",
			"APP_INITIAL_MEMBERS": "2,3",
		}},
		{name: "inverted election timeouts", env: map[string]string{
			"APP_ELECTION_TIMEOUT_MIN": "2s",
			"APP_ELECTION_TIMEOUT_MAX": "1s",
		}},
		{name: "equal election timeouts", env: map[string]string{
			"APP_ELECTION_TIMEOUT_MIN": "1s",
			"APP_ELECTION_TIMEOUT_MAX": "1s",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfigFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestConfig_MembersDefaultsToSelf(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = 7
	assert.Equal(t, []raft.NodeID{7}, cfg.Members())

	cfg.InitialMembers = []uint64{3, 7}
	assert.Equal(t, []raft.NodeID{3, 7}, cfg.Members())
}
