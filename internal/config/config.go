package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all configuration for the application
type Config struct {
	// File paths
	DBPath         string
	PromptsCSVPath string

	// Server settings
	ServerHost string
	ServerPort int
	APIKey     string

	// Scheduler settings
	TickInterval time.Duration

	// AI provider settings
	AIBaseURL    string
	AIAPIKey     string
	AIModel      string
	QueryTimeout time.Duration

	// Log settings
	LogLevel zerolog.Level
}

// DefaultConfig returns an initial configuration with hardcoded defaults.
func DefaultConfig() *Config {
	logLevel, _ := zerolog.ParseLevel(DefaultLogLevel)

	return &Config{
		DBPath:         DefaultDBPath,
		PromptsCSVPath: DefaultPromptsCSVPath,
		ServerHost:     DefaultServerHost,
		ServerPort:     DefaultServerPort,
		APIKey:         GetEnvString("PROMPTFEED_API_KEY", ""),
		TickInterval:   time.Duration(DefaultTickSeconds) * time.Second,
		AIBaseURL:      GetEnvString("PROMPTFEED_AI_BASE_URL", DefaultAIBaseURL),
		AIAPIKey:       GetEnvString("PROMPTFEED_AI_API_KEY", ""),
		AIModel:        GetEnvString("PROMPTFEED_AI_MODEL", DefaultAIModel),
		QueryTimeout:   time.Duration(DefaultQueryTimeoutSeconds) * time.Second,
		LogLevel:       logLevel,
	}
}

// ListenAddr returns the formatted listen address for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
