package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:5050"`
	DBPath      string `envconfig:"DB_PATH" default:"lucidcoder.db"`
	ProjectsDir string `envconfig:"PROJECTS_DIR" default:"projects"`
	GitBin      string `envconfig:"GIT_BIN" default:"git"`

	// HTTP API
	AuthMode       string `envconfig:"AUTH_MODE" default:"none"`
	APIKey         string `envconfig:"API_KEY"`
	CORSOrigins    string `envconfig:"CORS_ORIGINS"`
	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"100"`

	// LLM
	LLMProvider     string        `envconfig:"LLM_PROVIDER" default:"anthropic"`
	AnthropicAPIKey string        `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicURL    string        `envconfig:"ANTHROPIC_BASE_URL"`
	OpenAIAPIKey    string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `envconfig:"OPENAI_BASE_URL"`
	LLMModel        string        `envconfig:"LLM_MODEL"`
	LLMMaxTokens    int           `envconfig:"LLM_MAX_TOKENS" default:"4096"`
	LLMMaxRetries   int           `envconfig:"LLM_MAX_RETRIES" default:"3"`
	LLMTimeout      time.Duration `envconfig:"LLM_TIMEOUT" default:"120s"`

	// Jobs
	JobTimeout  time.Duration `envconfig:"JOB_TIMEOUT" default:"10m"`
	JobLogLines int           `envconfig:"JOB_LOG_LINES" default:"2000"`

	// Automation defaults, overridable per project in .lucidcoder.yml
	ScopeReflection        bool   `envconfig:"AUTOMATION_SCOPE_REFLECTION" default:"true"`
	DefaultTestsNeeded     bool   `envconfig:"AUTOMATION_DEFAULT_TESTS_NEEDED" default:"true"`
	TestsAttempts          string `envconfig:"AUTOMATION_TESTS_ATTEMPTS" default:"1,2,3"`
	ImplementationAttempts string `envconfig:"AUTOMATION_IMPLEMENTATION_ATTEMPTS" default:"1,2,3"`
	ImplementAfterTests    bool   `envconfig:"AUTOMATION_IMPLEMENT_AFTER_TESTS" default:"true"`
	StylePatterns          string `envconfig:"STYLE_PATTERNS" default:"**.css,**.scss,**.sass,**.less"`
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Automation returns the process-wide automation defaults.
func (c *Config) Automation() (Automation, error) {
	tests, err := ParseAttempts(c.TestsAttempts)
	if err != nil {
		return Automation{}, fmt.Errorf("AUTOMATION_TESTS_ATTEMPTS: %w", err)
	}
	impl, err := ParseAttempts(c.ImplementationAttempts)
	if err != nil {
		return Automation{}, fmt.Errorf("AUTOMATION_IMPLEMENTATION_ATTEMPTS: %w", err)
	}
	return Automation{
		ScopeReflection:        c.ScopeReflection,
		DefaultTestsNeeded:     c.DefaultTestsNeeded,
		TestsAttempts:          tests,
		ImplementationAttempts: impl,
		ImplementAfterTests:    c.ImplementAfterTests,
	}, nil
}

// StylePatternList returns the configured stylesheet glob patterns.
func (c *Config) StylePatternList() []string {
	return splitList(c.StylePatterns)
}

// ParseAttempts parses a comma-separated attempt sequence such as "1,2,3".
// "", "none" and "0" yield an empty sequence, which disables the stage.
func ParseAttempts(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "none" || raw == "0" {
		return []int{}, nil
	}
	parts := splitList(raw)
	seq := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid attempt %q", p)
		}
		seq = append(seq, n)
	}
	return seq, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if _, err := cfg.Automation(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	switch cfg.AuthMode {
	case "none", "api-key":
	default:
		return nil, fmt.Errorf("loading config: unknown AUTH_MODE %q", cfg.AuthMode)
	}
	return &cfg, nil
}
