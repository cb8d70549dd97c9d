package global

import (
	"os"
	"strconv"
	"time"
)

// AppConfig carries everything the engine and gateway need to reach the
// remote store. Values come from the environment with local-dev defaults.
type AppConfig struct {
	NodeID int64 // snowflake node id

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NatsServers []string

	MongoURI      string
	MongoDatabase string

	JwtSecret []byte

	HTTPPort int

	HeartbeatTTL time.Duration // liveness window before disconnect actions fire
}

var Config = Load()

func Load() AppConfig {
	return AppConfig{
		NodeID:        envInt64("IM_NODE_ID", 1),
		RedisAddr:     envString("IM_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envString("IM_REDIS_PASSWORD", ""),
		RedisDB:       int(envInt64("IM_REDIS_DB", 0)),
		NatsServers:   []string{envString("IM_NATS_URL", "nats://127.0.0.1:4222")},
		MongoURI:      envString("IM_MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: envString("IM_MONGO_DB", "imsync"),
		JwtSecret:     []byte(envString("IM_JWT_SECRET", "dev-secret-do-not-ship")),
		HTTPPort:      int(envInt64("IM_HTTP_PORT", 8080)),
		HeartbeatTTL:  time.Duration(envInt64("IM_HEARTBEAT_TTL_SEC", 30)) * time.Second,
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
