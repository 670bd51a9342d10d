package config

import (
	"os"
	"path/filepath"
)

// CrewdPath returns the root directory for crewd data.
// It uses $CREWD_PATH if set, otherwise defaults to ~/.crewd.
func CrewdPath() string {
	if v := os.Getenv("CREWD_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".crewd")
	}
	return filepath.Join(home, ".crewd")
}

// ConfigPath returns the path to the crewd config file.
func ConfigPath() string {
	return filepath.Join(CrewdPath(), "config.jsonc")
}

// DotenvPath returns the path to the crewd .env file.
func DotenvPath() string {
	return filepath.Join(CrewdPath(), ".env")
}

// RegistryPath returns the path to the agent registry snapshot.
func RegistryPath() string {
	return filepath.Join(CrewdPath(), "agents.json")
}

// HeartbeatPath returns the path to the daemon heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(CrewdPath(), "heartbeat.json")
}

// SecretsPath returns the directory holding encrypted secrets.
func SecretsPath() string {
	return filepath.Join(CrewdPath(), "secrets")
}

// ObjectivesPath returns the directory holding persisted objectives.
func ObjectivesPath() string {
	return filepath.Join(CrewdPath(), "objectives")
}
