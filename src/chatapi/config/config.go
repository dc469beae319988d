package config

import (
	"log"
	"os"
	"strconv"
)

type Config struct {
	MySQLDSN          string
	RedisURL          string // optional; empty disables the stream mirror
	JWTSecret         string
	Port              string
	ModerationWebhook string
	SweepInterval     int // seconds, typing/presence sweep cadence
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

func Load() Config {
	sweep, _ := strconv.Atoi(getenv("SWEEP_INTERVAL", "1"))
	return Config{
		MySQLDSN:          getenv("MYSQL_DSN", "guildchat:guildchat@tcp(localhost:3306)/guildchat"),
		RedisURL:          os.Getenv("REDIS_URL"),
		JWTSecret:         getenv("JWT_SECRET", ""),
		Port:              getenv("PORT", "8080"),
		ModerationWebhook: os.Getenv("MODERATION_WEBHOOK"),
		SweepInterval:     sweep,
	}
}
