package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	NodeID        string
	DeviceTier    string
	HasSuperior   bool
	DataDir       string
	DatabaseURL   string
	ServerAddr    string
	JoinWindow    time.Duration
	RPCTimeout    time.Duration
	AccountPrefix string
	RoomPrefix    string
}

// Load reads configuration from environment. DATABASE_URL selects the
// Postgres store; when unset, state lives in a bolt file under DataDir.
func Load() (*Config, error) {
	return &Config{
		NodeID:        getenv("FLOWMESH_NODE_ID", "flowmesh-node"),
		DeviceTier:    getenv("FLOWMESH_TIER", "edge"),
		HasSuperior:   parseBool(getenv("FLOWMESH_HAS_SUPERIOR", "false"), false),
		DataDir:       getenv("FLOWMESH_DATA_DIR", "./data"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ServerAddr:    getenv("SERVER_ADDR", "0.0.0.0:8080"),
		JoinWindow:    parseDuration(getenv("FLOWMESH_JOIN_WINDOW", "10s"), 10*time.Second),
		RPCTimeout:    parseDuration(getenv("FLOWMESH_RPC_TIMEOUT", "10s"), 10*time.Second),
		AccountPrefix: getenv("FLOWMESH_ACCOUNT_PREFIX", "acct:"),
		RoomPrefix:    getenv("FLOWMESH_ROOM_PREFIX", "room:"),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
