package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default period settings, matching spec §6's constraints column.
const (
	DefaultCheckPeriod    = 20 * time.Second
	DefaultRefreshPeriod  = 90 * time.Second
	DefaultDebouncePeriod = 10 * time.Second
	DefaultMaxWorkers     = 32
)

// DefaultConfigDir returns ~/.config/icloud-sync, creating no directories.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".icloud-sync"
	}

	return filepath.Join(home, ".config", "icloud-sync")
}

// DefaultConfigFile returns the default TOML config file path.
func DefaultConfigFile() string {
	return filepath.Join(DefaultConfigDir(), "config.toml")
}

// DefaultCookieDirectory matches spec §6's --cookie-directory default.
func DefaultCookieDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pyicloud"
	}

	return filepath.Join(home, ".pyicloud")
}

// DefaultDataDir is where the ledger database and state snapshots live.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/icloud-sync"
	}

	return filepath.Join(home, ".local", "share", "icloud-sync")
}

// DefaultLockFile is the single-instance lock path (spec §5).
func DefaultLockFile() string {
	return filepath.Join(DefaultDataDir(), "icloud-sync.lock")
}

// DefaultLedgerPath is the dead-letter/conflict/refresh-history database.
func DefaultLedgerPath() string {
	return filepath.Join(DefaultDataDir(), "ledger.db")
}

// DefaultSnapshotDir is where the five state-snapshot dumps are written.
func DefaultSnapshotDir() string {
	return filepath.Join(DefaultDataDir(), "snapshots")
}
