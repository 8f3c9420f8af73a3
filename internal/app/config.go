package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
)

// StorageKind selects the Raft log store backing a node.
type StorageKind string

// Supported log stores.
const (
	StorageMemory StorageKind = "memory"
	StorageBolt   StorageKind = "bolt"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID   uint64
	LogLevel string

	RaftGRPCAddr string
	APIGRPCAddr  string

	// PeerAddrs lists "id=host:port" entries for the Raft transport. The
	// local node may appear in the list.
	PeerAddrs []string

	// Bootstrap initializes membership on start with InitialMembers. Every
	// initial member must be started with the same list.
	Bootstrap      bool
	InitialMembers []uint64

	Storage StorageKind
	DataDir string

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	RPCTimeout         time.Duration
	WriteTimeout       time.Duration

	// SnapshotThreshold triggers a snapshot after this many applied entries.
	// Zero disables automatic snapshots.
	SnapshotThreshold uint64

	MetricsAddr string
	PprofAddr   string

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	rc := raft.DefaultConfig(1)
	return Config{
		NodeID:             1,
		LogLevel:           "info",
		RaftGRPCAddr:       ":9090",
		APIGRPCAddr:        ":8080",
		Storage:            StorageMemory,
		DataDir:            "./var/node-1",
		HeartbeatInterval:  rc.HeartbeatInterval,
		ElectionTimeoutMin: rc.ElectionTimeoutMin,
		ElectionTimeoutMax: rc.ElectionTimeoutMax,
		RPCTimeout:         rc.RPCTimeout,
		WriteTimeout:       5 * time.Second,
		SnapshotThreshold:  rc.SnapshotThreshold,
		TracingEndpoint:    "localhost:4317",
		TracingServiceName: "studentkv",
	}
}

// LoadConfigFromEnv loads config from environment variables.
//
// Supported vars:
//   - APP_NODE_ID (uint, non-zero)
//   - APP_LOG_LEVEL (debug|info|warn|error)
//   - APP_RAFT_GRPC_ADDR
//   - APP_API_GRPC_ADDR
//   - APP_PEERS (comma-separated id=host:port)
//   - APP_BOOTSTRAP (bool)
//   - APP_INITIAL_MEMBERS (comma-separated ids, defaults to the node itself)
//   - APP_STORAGE (memory|bolt)
//   - APP_DATA_DIR
//   - APP_HEARTBEAT_INTERVAL, APP_ELECTION_TIMEOUT_MIN, APP_ELECTION_TIMEOUT_MAX,
//     APP_RPC_TIMEOUT, APP_WRITE_TIMEOUT (durations)
//   - APP_SNAPSHOT_THRESHOLD (uint, 0 = disabled)
//   - APP_METRICS_ADDR, APP_PPROF_ADDR (empty = disabled)
//   - APP_TRACING_ENABLED (bool), APP_TRACING_ENDPOINT, APP_TRACING_SERVICE_NAME
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if v := env("APP_NODE_ID"); v != "" {
		if cfg.NodeID, err = parseUint("APP_NODE_ID", v); err != nil {
			return Config{}, err
		}
	}
	if v := env("APP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := env("APP_RAFT_GRPC_ADDR"); v != "" {
		cfg.RaftGRPCAddr = v
	}
	if v := env("APP_API_GRPC_ADDR"); v != "" {
		cfg.APIGRPCAddr = v
	}
	if v := env("APP_PEERS"); v != "" {
		cfg.PeerAddrs = splitCSV(v)
	}
	if v := env("APP_BOOTSTRAP"); v != "" {
		if cfg.Bootstrap, err = parseBool("APP_BOOTSTRAP", v); err != nil {
			return Config{}, err
		}
	}
	if v := env("APP_INITIAL_MEMBERS"); v != "" {
		for _, raw := range splitCSV(v) {
			id, err := parseUint("APP_INITIAL_MEMBERS", raw)
			if err != nil {
				return Config{}, err
			}
			cfg.InitialMembers = append(cfg.InitialMembers, id)
		}
	}
	if v := env("APP_STORAGE"); v != "" {
		cfg.Storage = StorageKind(strings.ToLower(v))
	}
	if v := env("APP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"APP_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"APP_ELECTION_TIMEOUT_MIN", &cfg.ElectionTimeoutMin},
		{"APP_ELECTION_TIMEOUT_MAX", &cfg.ElectionTimeoutMax},
		{"APP_RPC_TIMEOUT", &cfg.RPCTimeout},
		{"APP_WRITE_TIMEOUT", &cfg.WriteTimeout},
	}
	for _, d := range durations {
		v := env(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid %s %q: %w", d.name, v, err)
		}
		*d.dst = parsed
	}

	if v := env("APP_SNAPSHOT_THRESHOLD"); v != "" {
		if cfg.SnapshotThreshold, err = parseUint("APP_SNAPSHOT_THRESHOLD", v); err != nil {
			return Config{}, err
		}
	}
	if v := env("APP_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := env("APP_PPROF_ADDR"); v != "" {
		cfg.PprofAddr = v
	}
	if v := env("APP_TRACING_ENABLED"); v != "" {
		if cfg.TracingEnabled, err = parseBool("APP_TRACING_ENABLED", v); err != nil {
			return Config{}, err
		}
	}
	if v := env("APP_TRACING_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := env("APP_TRACING_SERVICE_NAME"); v != "" {
		cfg.TracingServiceName = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("app: node id must be non-zero")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.RaftGRPCAddr) == "" {
		return fmt.Errorf("app: raft grpc addr is required")
	}
	if strings.TrimSpace(c.APIGRPCAddr) == "" {
		return fmt.Errorf("app: api grpc addr is required")
	}
	switch c.Storage {
	case StorageMemory:
	case StorageBolt:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("app: data dir is required for %s storage", c.Storage)
		}
	default:
		return fmt.Errorf("app: unsupported storage %q", c.Storage)
	}
	if _, err := c.PeerAddrMap(); err != nil {
		return err
	}
	if c.Bootstrap && !raft.NewClusterConfig(c.Members()...).Contains(raft.NodeID(c.NodeID)) {
		return fmt.Errorf("app: initial members %v do not include node %d", c.InitialMembers, c.NodeID)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("app: write timeout must be positive")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	return c.RaftConfig().Validate()
}

// PeerAddrMap parses PeerAddrs into a map of node id -> address. Entries for
// the local node are kept; the transport never dials itself.
func (c Config) PeerAddrMap() (map[raft.NodeID]string, error) {
	out := make(map[raft.NodeID]string, len(c.PeerAddrs))
	for _, raw := range c.PeerAddrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		left, right, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("app: invalid peer entry %q, want id=host:port", raw)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(left), 10, 64)
		addr := strings.TrimSpace(right)
		if err != nil || id == 0 || addr == "" {
			return nil, fmt.Errorf("app: invalid peer entry %q", raw)
		}
		if _, exists := out[raft.NodeID(id)]; exists {
			return nil, fmt.Errorf("app: duplicate peer id %d", id)
		}
		out[raft.NodeID(id)] = addr
	}
	return out, nil
}

// Members returns the bootstrap membership, defaulting to the node itself.
func (c Config) Members() []raft.NodeID {
	if len(c.InitialMembers) == 0 {
		return []raft.NodeID{raft.NodeID(c.NodeID)}
	}
	out := make([]raft.NodeID, 0, len(c.InitialMembers))
	for _, id := range c.InitialMembers {
		out = append(out, raft.NodeID(id))
	}
	return out
}

// RaftConfig returns the consensus settings for this node.
func (c Config) RaftConfig() raft.Config {
	rc := raft.DefaultConfig(raft.NodeID(c.NodeID))
	rc.HeartbeatInterval = c.HeartbeatInterval
	rc.ElectionTimeoutMin = c.ElectionTimeoutMin
	rc.ElectionTimeoutMax = c.ElectionTimeoutMax
	rc.RPCTimeout = c.RPCTimeout
	rc.SnapshotThreshold = c.SnapshotThreshold
	return rc
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func parseUint(name, v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("app: invalid %s %q: %w", name, v, err)
	}
	return n, nil
}

func parseBool(name, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("app: invalid %s %q: %w", name, v, err)
	}
	return b, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
