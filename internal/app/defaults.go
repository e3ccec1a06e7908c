package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - BLOBSERVER_CONFIG_PATH: config file location (default: ~/.config/blobserver.toml)
//   - BLOBSERVER_HOME: storage directory (default: ~/.local/share/blobserver)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	storageDir, err := getStorageDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"storage_dir": storageDir,
		"log_dir":     filepath.Join(storageDir, "log"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("BLOBSERVER_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "blobserver.toml"), nil
}

func getStorageDir() (string, error) {
	if path := os.Getenv("BLOBSERVER_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "blobserver"), nil
}
