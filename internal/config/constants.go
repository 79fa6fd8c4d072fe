package config

// Constants defining default values for application configuration
const (
	DefaultDBPath         = "./promptfeed.db"
	DefaultPromptsCSVPath = "./prompts.csv"

	DefaultServerPort = 8080
	DefaultServerHost = "" // Empty string means all interfaces

	DefaultTickSeconds = 60 // Seconds between due-check passes

	DefaultAIBaseURL           = "https://api.perplexity.ai"
	DefaultAIModel             = "sonar"
	DefaultQueryTimeoutSeconds = 45

	DefaultLogLevel = "info"
)
