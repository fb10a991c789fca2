package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - SB_CONFIG_PATH: config file location (default: ~/.config/sb.toml)
//   - SB_HOME: base directory for sb data (default: ~/.local/share/sb)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"backup_dir":  filepath.Join(baseDir, "backups"),
		"data_dir":    filepath.Join(baseDir, "db"),
	}, nil
}

// getConfigPath returns the config file path, checking SB_CONFIG_PATH env var first,
// then falling back to the default ~/.config/sb.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("SB_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "sb.toml"), nil
}

// getBaseDir returns the base directory for sb data, checking SB_HOME env var first,
// then falling back to the XDG default ~/.local/share/sb.
func getBaseDir() (string, error) {
	if path := os.Getenv("SB_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "sb"), nil
}
