package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
)

const boltFileName = "raft.db"

// OpenStorage opens the log store selected by cfg and binds it to sm. The
// state machine is restored from the latest persisted snapshot, if any.
func OpenStorage(cfg Config, sm raft.StateMachine) (*raft.Storage, error) {
	var log raft.LogStore
	switch cfg.Storage {
	case StorageMemory, "":
		log = raft.NewMemoryLogStore()
	case StorageBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create data dir %s: %w", cfg.DataDir, err)
		}
		bolt, err := raft.OpenBoltLogStore(filepath.Join(cfg.DataDir, boltFileName))
		if err != nil {
			return nil, err
		}
		log = bolt
	default:
		return nil, fmt.Errorf("app: unsupported storage %q", cfg.Storage)
	}

	storage, err := raft.NewStorage(log, sm)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return storage, nil
}
