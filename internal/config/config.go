package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Embed    EmbedConfig
	OpenAlex OpenAlexConfig
}

type OpenAlexConfig struct {
	BaseURL string
	Mailto  string // joins the provider's polite pool when set
}

type DatabaseConfig struct {
	Name     string
	User     string
	Password string
	Host     string
	Port     string
	PGData   string // data dir for an embedded postgres, when one is used
}

type EmbedConfig struct {
	// Model is the label stored in the embeddings tables. It also selects the
	// encoder identity by default, but the two are independent: re-embedding
	// under a new label keeps old generations queryable.
	Model      string
	EncoderURL string
	Dim        int
}

// Load reads configuration from the environment, after loading a local .env
// file if one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			Name:     getEnv("DB_NAME", "litscout"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "admin"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			PGData:   getEnv("PGDATA", defaultPGData()),
		},
		Embed: EmbedConfig{
			Model:      getEnv("EMBED_MODEL", "bge-base-en-v1.5"),
			EncoderURL: getEnv("ENCODER_URL", "http://localhost:8081"),
			Dim:        getIntEnv("EMBED_DIM", 768),
		},
		OpenAlex: OpenAlexConfig{
			BaseURL: getEnv("OPENALEX_BASE_URL", ""),
			Mailto:  getEnv("OPENALEX_MAILTO", ""),
		},
	}
}

// URL renders the pgx connection string.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func defaultPGData() string {
	wd, err := os.Getwd()
	if err != nil {
		return filepath.Join("database", "pgdata")
	}
	return filepath.Join(wd, "database", "pgdata")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
