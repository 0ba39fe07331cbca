// Package config loads yt2ch settings from a YAML config file, the
// environment (YT2CH_ prefix) and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yt2ch/yt2ch/internal/debug"
)

// Config keys.
const (
	KeyYouTrackURL       = "youtrack.url"
	KeyYouTrackToken     = "youtrack.token"
	KeyYouTrackProject   = "youtrack.project"
	KeyClubhouseToken    = "clubhouse.token"
	KeyClubhouseProject  = "clubhouse.project"
	KeyClubhouseEndpoint = "clubhouse.endpoint"
	KeyDataDir           = "data-dir"
	KeyConfigDir         = "config-dir"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. configFile, when
// non-empty, must exist; otherwise ./yt2ch.yaml and then
// <user config dir>/yt2ch/config.yaml are tried.
func Initialize(configFile string) error {
	// .env values never override variables already set in the environment.
	if err := godotenv.Load(); err == nil {
		debug.Logf("Loaded environment from .env\n")
	}

	v = viper.New()
	v.SetConfigType("yaml")

	switch {
	case configFile != "":
		v.SetConfigFile(configFile)
	default:
		if path := findConfigFile(); path != "" {
			v.SetConfigFile(path)
		}
	}

	v.SetEnvPrefix("YT2CH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyYouTrackURL, "")
	v.SetDefault(KeyYouTrackToken, "")
	v.SetDefault(KeyYouTrackProject, "")
	v.SetDefault(KeyClubhouseToken, "")
	v.SetDefault(KeyClubhouseProject, int64(0))
	v.SetDefault(KeyClubhouseEndpoint, "")
	v.SetDefault(KeyDataDir, "data")
	v.SetDefault(KeyConfigDir, "config")

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", v.ConfigFileUsed(), err)
		}
		debug.Logf("Loaded config from %s\n", v.ConfigFileUsed())
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{"yt2ch.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "yt2ch", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ResetForTesting clears the singleton so tests start from scratch.
func ResetForTesting() {
	v = nil
}

// Set overrides a value, e.g. from a command-line flag.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt64 retrieves an int64 configuration value
func GetInt64(key string) int64 {
	if v == nil {
		return 0
	}
	return v.GetInt64(key)
}

// ConfigFileUsed returns the config file that was loaded, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Settings is a snapshot of the resolved configuration.
type Settings struct {
	YouTrackURL       string
	YouTrackToken     string
	YouTrackProject   string
	ClubhouseToken    string
	ClubhouseProject  int64
	ClubhouseEndpoint string
	DataDir           string
	ConfigDir         string
}

// Load returns the current settings.
func Load() *Settings {
	return &Settings{
		YouTrackURL:       strings.TrimSuffix(GetString(KeyYouTrackURL), "/"),
		YouTrackToken:     GetString(KeyYouTrackToken),
		YouTrackProject:   GetString(KeyYouTrackProject),
		ClubhouseToken:    GetString(KeyClubhouseToken),
		ClubhouseProject:  GetInt64(KeyClubhouseProject),
		ClubhouseEndpoint: GetString(KeyClubhouseEndpoint),
		DataDir:           GetString(KeyDataDir),
		ConfigDir:         GetString(KeyConfigDir),
	}
}

// IssueDir is the snapshot directory.
func (s *Settings) IssueDir() string {
	return filepath.Join(s.DataDir, "youtrack-issues")
}

// LedgerPath is the import ledger file.
func (s *Settings) LedgerPath() string {
	return filepath.Join(s.DataDir, "import-status.json")
}

// TablePath is the mapper lookup table file.
func (s *Settings) TablePath() string {
	return filepath.Join(s.ConfigDir, "mapper.yaml")
}

// Validate reports every required key that is unset.
func (s *Settings) Validate(required ...string) error {
	var errs []error
	for _, key := range required {
		if !s.has(key) {
			env := "YT2CH_" + strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToUpper(key))
			errs = append(errs, fmt.Errorf("%s is not set (config key %q or %s)", key, key, env))
		}
	}
	return errors.Join(errs...)
}

func (s *Settings) has(key string) bool {
	switch key {
	case KeyYouTrackURL:
		return s.YouTrackURL != ""
	case KeyYouTrackToken:
		return s.YouTrackToken != ""
	case KeyYouTrackProject:
		return s.YouTrackProject != ""
	case KeyClubhouseToken:
		return s.ClubhouseToken != ""
	case KeyClubhouseProject:
		return s.ClubhouseProject > 0
	case KeyClubhouseEndpoint:
		return s.ClubhouseEndpoint != ""
	case KeyDataDir:
		return s.DataDir != ""
	case KeyConfigDir:
		return s.ConfigDir != ""
	default:
		return GetString(key) != ""
	}
}
