package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type Config struct {
	// Server
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8000"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
	FrameDelay     time.Duration `env:"FRAME_DELAY" envDefault:"20ms"`
	MCPEnabled     bool          `env:"MCP_ENABLED" envDefault:"true"`

	// LLM settings. The OpenAI provider defaults to a local Ollama server.
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY" envDefault:"ollama"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL" envDefault:"http://localhost:11434/v1"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"qwen2.5-coder:3b"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH"`

	// Storage
	HistoryFilePath    string `env:"HISTORY_FILE_PATH" envDefault:"chat_history.json"`
	InteractionLogPath string `env:"INTERACTION_LOG_PATH" envDefault:"logs/interactions.jsonl"`
	UploadDir          string `env:"UPLOAD_DIR" envDefault:"uploads"`
	MaxUploadBytes     int64  `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`

	// Scheduled jobs
	BackupDir      string `env:"BACKUP_DIR" envDefault:"data/backups"`
	BackupSchedule string `env:"BACKUP_SCHEDULE" envDefault:"@hourly"`
	BackupKeep     int    `env:"BACKUP_KEEP" envDefault:"24"`
	ReportSchedule string `env:"REPORT_SCHEDULE" envDefault:"0 21 * * *"`

	// Logging
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if cfg.LLMProvider != ProviderOpenAI && cfg.LLMProvider != ProviderYandex {
		return nil, errors.Errorf("unknown llm provider: %s", cfg.LLMProvider)
	}
	if cfg.LLMProvider == ProviderYandex && (cfg.YandexOAuthToken == "" || cfg.YandexFolderID == "") {
		return nil, errors.New("yandex provider requires YANDEX_OAUTH_TOKEN and YANDEX_FOLDER_ID")
	}
	return cfg, nil
}
