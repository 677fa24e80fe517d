package config

import (
	"os"
	"strings"
)

const (
	appNameVar   = "APP_NAME"
	baseURLVar   = "BASE_URL"
	socketURLVar = "SOCKET_URL"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Kora")
}

// GetBaseURL returns the REST API base URL including the version prefix.
func (EnvVars) GetBaseURL() string {
	return GetEnv(baseURLVar, "http://localhost:8000/api/v1")
}

// GetSocketURL returns the realtime server URL. Derived from the base URL
// when not set explicitly.
func (e EnvVars) GetSocketURL() string {
	if v := os.Getenv(socketURLVar); v != "" {
		return v
	}
	base := e.GetBaseURL()
	base = strings.TrimSuffix(base, "/api/v1")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
