package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultHTTPAddr       = ":8080"
	defaultDBDriver       = "sqlite"
	defaultDBDSN          = "fire.db"
	defaultTriageProvider = "anthropic"
	defaultTriageModel    = "claude-sonnet-4-20250514"
	defaultPollInterval   = time.Second
	defaultRetryInterval  = 30 * time.Second
	defaultSummaryTTL     = 5 * time.Minute
)

type Config struct {
	HTTPAddr        string
	DBDriver        string
	DBDSN           string
	TriageProvider  string
	TriageModel     string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	WorkflowURLs    []string
	PollInterval    time.Duration
	RetryInterval   time.Duration
	SummaryTTL      time.Duration
}

func FromEnv() Config {
	addr := strings.TrimSpace(os.Getenv("FIRE_HTTP_ADDR"))
	if addr == "" {
		addr = defaultHTTPAddr
	}
	driver := strings.TrimSpace(os.Getenv("FIRE_DB_DRIVER"))
	if driver == "" {
		driver = defaultDBDriver
	}
	dsn := strings.TrimSpace(os.Getenv("FIRE_DB_DSN"))
	if dsn == "" {
		dsn = defaultDBDSN
	}
	provider := strings.TrimSpace(os.Getenv("FIRE_TRIAGE_PROVIDER"))
	if provider == "" {
		provider = defaultTriageProvider
	}
	model := strings.TrimSpace(os.Getenv("FIRE_TRIAGE_MODEL"))
	if model == "" {
		model = defaultTriageModel
	}

	return Config{
		HTTPAddr:        addr,
		DBDriver:        strings.ToLower(driver),
		DBDSN:           dsn,
		TriageProvider:  strings.ToLower(provider),
		TriageModel:     model,
		AnthropicAPIKey: strings.TrimSpace(os.Getenv("FIRE_ANTHROPIC_API_KEY")),
		OpenAIAPIKey:    strings.TrimSpace(os.Getenv("FIRE_OPENAI_API_KEY")),
		WorkflowURLs:    splitURLs(os.Getenv("FIRE_WORKFLOW_WEBHOOK_URLS")),
		PollInterval:    durationEnv("FIRE_ALARM_POLL_INTERVAL", defaultPollInterval),
		RetryInterval:   durationEnv("FIRE_DISPATCH_RETRY_INTERVAL", defaultRetryInterval),
		SummaryTTL:      durationEnv("FIRE_SUMMARY_TTL", defaultSummaryTTL),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("FIRE_HTTP_ADDR must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("FIRE_DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("FIRE_DB_DSN must not be empty")
	}
	switch c.TriageProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("FIRE_TRIAGE_PROVIDER must be anthropic or openai")
	}
	if strings.TrimSpace(c.TriageModel) == "" {
		return fmt.Errorf("FIRE_TRIAGE_MODEL must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("FIRE_ALARM_POLL_INTERVAL must be > 0")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("FIRE_DISPATCH_RETRY_INTERVAL must be > 0")
	}
	if c.SummaryTTL <= 0 {
		return fmt.Errorf("FIRE_SUMMARY_TTL must be > 0")
	}
	return nil
}

func splitURLs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value != "" {
			urls = append(urls, value)
		}
	}
	return urls
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
