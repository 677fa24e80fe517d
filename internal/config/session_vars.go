package config

type SessionVars struct{}

var _ SessionConfig = SessionVars{}

// GetTokenFile returns the path of the durable token file.
func (SessionVars) GetTokenFile() string {
	return GetEnv("KORA_TOKEN_FILE", ".kora-tokens.json")
}

func (SessionVars) GetEmail() string {
	return GetEnv("KORA_EMAIL", "")
}

func (SessionVars) GetPassword() string {
	return GetEnv("KORA_PASSWORD", "")
}

// GetRoomID returns the debate room to join after connecting, if any.
func (SessionVars) GetRoomID() string {
	return GetEnv("KORA_ROOM_ID", "")
}
