package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr        string
	DatabaseURL string
	UseMemory   bool

	ChainAPIURL  string
	ChainNetwork string
	ChainAPIKey  string
	IdentityURL  string

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBucket string
	ArchivePrefix string

	AuthSecret  string
	CORSOrigins []string
}

const (
	defaultAddr       = ":8080"
	defaultNetwork    = "base"
	defaultKafkaTopic = "agent-directory.feedback"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:          getEnv("AGENT_DIR_ADDR", defaultAddr),
		DatabaseURL:   firstNonEmpty(os.Getenv("AGENT_DIR_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		UseMemory:     getBool("AGENT_DIR_USE_MEMORY", false),
		ChainAPIURL:   os.Getenv("AGENT_DIR_CHAIN_API_URL"),
		ChainNetwork:  getEnv("AGENT_DIR_CHAIN_NETWORK", defaultNetwork),
		ChainAPIKey:   os.Getenv("AGENT_DIR_CHAIN_API_KEY"),
		IdentityURL:   os.Getenv("AGENT_DIR_IDENTITY_URL"),
		KafkaBrokers:  splitCSV(os.Getenv("AGENT_DIR_KAFKA_BROKERS")),
		KafkaTopic:    getEnv("AGENT_DIR_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket: os.Getenv("AGENT_DIR_ARCHIVE_BUCKET"),
		ArchivePrefix: os.Getenv("AGENT_DIR_ARCHIVE_PREFIX"),
		AuthSecret:    os.Getenv("AGENT_DIR_AUTH_SECRET"),
		CORSOrigins:   splitCSV(getEnv("AGENT_DIR_CORS_ORIGINS", "*")),
	}
	if cfg.DatabaseURL == "" && !cfg.UseMemory {
		return Config{}, fmt.Errorf("DATABASE_URL or AGENT_DIR_DATABASE_URL required (or set AGENT_DIR_USE_MEMORY=true)")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
