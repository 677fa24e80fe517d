package config

type Config interface {
	EnvConfig
	SessionConfig
}

type EnvConfig interface {
	GetAppName() string
	GetBaseURL() string
	GetSocketURL() string
	GetEnv() string
}

type SessionConfig interface {
	GetTokenFile() string
	GetEmail() string
	GetPassword() string
	GetRoomID() string
}

type mainConfig struct {
	EnvVars
	SessionVars
}

func New() Config {
	return mainConfig{}
}
