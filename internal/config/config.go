package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig is the schema of the optional TOML config file. Every field
// is optional; a CLI flag or environment variable always overrides it.
type FileConfig struct {
	Directory          string `toml:"directory"`
	Username            string `toml:"username"`
	CookieDirectory     string `toml:"cookie_directory"`
	IgnoreRegexesPath   string `toml:"ignore_regexes"`
	IncludeRegexesPath  string `toml:"include_regexes"`
	CheckPeriodSeconds   int   `toml:"icloud_check_period"`
	RefreshPeriodSeconds int   `toml:"icloud_refresh_period"`
	DebouncePeriodSeconds int  `toml:"debounce_period"`
	MaxWorkers          int    `toml:"max_workers"`
	LogLevel            string `toml:"log_level"`
}

// LoadFile parses a TOML file at path. A missing file is not an error —
// it simply yields a zero-value FileConfig, so the defaults/env/CLI layers
// still apply.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig

	if path == "" {
		return fc, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fc, nil
	}

	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fc, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return fc, nil
}

// CLIOverrides holds values explicitly set on the command line; zero
// values mean "not set" and fall through to the next layer.
type CLIOverrides struct {
	ConfigPath         string
	Directory          string
	Username           string
	Password           string
	CookieDirectory    string
	IgnoreRegexesPath  string
	IncludeRegexesPath string
	CheckPeriod        time.Duration
	RefreshPeriod      time.Duration
	DebouncePeriod     time.Duration
	MaxWorkers         int
	LoggingConfigPath  string
}

// Resolved is the final, fully-layered configuration: CLI flags override
// environment variables, which override the TOML file, which falls back to
// the package defaults (spec §6's CLI table plus SPEC_FULL.md's ambient
// config layer).
type Resolved struct {
	Directory          string
	Username           string
	Password           string
	CookieDirectory    string
	IgnoreRegexesPath  string
	IncludeRegexesPath string
	CheckPeriod        time.Duration
	RefreshPeriod      time.Duration
	DebouncePeriod     time.Duration
	MaxWorkers         int
	LogLevel           string
}

// Resolve applies the four-layer override chain: cli > env > file > defaults.
func Resolve(file FileConfig, env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	r := &Resolved{
		Directory:          firstNonEmpty(cli.Directory, env.Directory, file.Directory),
		Username:           firstNonEmpty(cli.Username, env.Username, file.Username),
		Password:           cli.Password,
		CookieDirectory:    firstNonEmpty(cli.CookieDirectory, file.CookieDirectory, DefaultCookieDirectory()),
		IgnoreRegexesPath:  firstNonEmpty(cli.IgnoreRegexesPath, file.IgnoreRegexesPath),
		IncludeRegexesPath: firstNonEmpty(cli.IncludeRegexesPath, file.IncludeRegexesPath),
		CheckPeriod:        firstNonZeroDuration(cli.CheckPeriod, secondsToDuration(file.CheckPeriodSeconds), DefaultCheckPeriod),
		RefreshPeriod:      firstNonZeroDuration(cli.RefreshPeriod, secondsToDuration(file.RefreshPeriodSeconds), DefaultRefreshPeriod),
		DebouncePeriod:     firstNonZeroDuration(cli.DebouncePeriod, secondsToDuration(file.DebouncePeriodSeconds), DefaultDebouncePeriod),
		MaxWorkers:         firstNonZeroInt(cli.MaxWorkers, file.MaxWorkers, DefaultMaxWorkers),
		LogLevel:           file.LogLevel,
	}

	if err := validate(r); err != nil {
		return nil, err
	}

	return r, nil
}

func validate(r *Resolved) error {
	if r.Directory == "" {
		return fmt.Errorf("config: --directory is required")
	}

	if info, err := os.Stat(r.Directory); err != nil || !info.IsDir() {
		return fmt.Errorf("config: --directory %q must exist and be a directory", r.Directory)
	}

	if r.Username == "" {
		return fmt.Errorf("config: --username is required")
	}

	if r.CheckPeriod < DefaultCheckPeriod {
		return fmt.Errorf("config: --icloud-check-period must be >= %s", DefaultCheckPeriod)
	}

	if r.RefreshPeriod < DefaultRefreshPeriod {
		return fmt.Errorf("config: --icloud-refresh-period must be >= %s", DefaultRefreshPeriod)
	}

	if r.DebouncePeriod < DefaultDebouncePeriod {
		return fmt.Errorf("config: --debounce-period must be >= %s", DefaultDebouncePeriod)
	}

	if r.MaxWorkers < 1 {
		return fmt.Errorf("config: --max-workers must be >= 1")
	}

	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}

func firstNonZeroDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}

	return 0
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}

	return 0
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
