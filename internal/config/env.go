package config

import "os"

// Environment variable names for overrides, the lowest-priority layer
// above the TOML config file's defaults.
const (
	EnvConfig    = "ICLOUD_SYNC_CONFIG"
	EnvDirectory = "ICLOUD_SYNC_DIRECTORY"
	EnvUsername  = "ICLOUD_SYNC_USERNAME"
)

// EnvOverrides holds values read from environment variables.
type EnvOverrides struct {
	ConfigPath string
	Directory  string
	Username   string
}

// ReadEnvOverrides reads the ICLOUD_SYNC_* environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Directory:  os.Getenv(EnvDirectory),
		Username:   os.Getenv(EnvUsername),
	}
}
