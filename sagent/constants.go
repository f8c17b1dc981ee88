package sagent

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "sagent"
	// DefaultEventsTopic is the topic progress events are published on.
	DefaultEventsTopic = "sagent.progress"
)

var (
	homeDir, _ = os.UserHomeDir()

	DefaultConfigPath  = filepath.Join(homeDir, ".config", DefaultAppName)
	DefaultDataDir     = filepath.Join(homeDir, ".local", "share", DefaultAppName)
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDataDir, "sagent.db")
	DefaultAuditPath   = filepath.Join(DefaultDataDir, "tool_audit.jsonl")
)
