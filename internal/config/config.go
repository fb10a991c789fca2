package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for sb.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	BackupDir  string           `toml:"backup_dir"`
	Backup     BackupConfig     `toml:"backup"`
	Encryption EncryptionConfig `toml:"encryption"`
	History    HistoryConfig    `toml:"history"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BackupConfig holds the defaults for `sb backup` flags.
type BackupConfig struct {
	Compress               bool `toml:"compress"`
	Incremental            bool `toml:"incremental"`
	FullBackupIntervalDays int  `toml:"full_backup_interval_days"` // 0 disables forced full runs
}

// FullBackupInterval returns the configured interval as a duration.
func (c BackupConfig) FullBackupInterval() time.Duration {
	return time.Duration(c.FullBackupIntervalDays) * 24 * time.Hour
}

// EncryptionConfig selects the cipher used for new encrypted backups.
// The password itself is never stored in the config.
type EncryptionConfig struct {
	Type          string `toml:"type"`                      // "aes-cbc" (default), "age" or "none"
	AgeWorkFactor int    `toml:"age_work_factor,omitempty"` // scrypt log2(N); 0 keeps the age default
}

// HistoryConfig represents configuration for the operation history store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type HistoryConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "none"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore     []string `toml:"ignore"`
	IgnoreFile string   `toml:"ignore_file,omitempty"` // read from the source root when set, e.g. ".sbignore"
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		BackupDir: filepath.Join(baseDir, "backups"),
		Backup: BackupConfig{
			Compress: true,
		},
		Encryption: EncryptionConfig{Type: "aes-cbc"},
		History: HistoryConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Filesystem: FilesystemConfig{
			IgnoreFile: ".sbignore",
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
