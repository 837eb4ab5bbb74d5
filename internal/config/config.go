package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Upload        UploadConfig
	Agent         AgentConfig
	AI            AIConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type UploadConfig struct {
	MaxBytes int64
	TempRoot string
}

type AgentConfig struct {
	MaxSteps       int
	RowLimit       int
	SchemaSamples  int
	QuestionBudget time.Duration
}

type AIConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	Temperature   float64
	Timeout       time.Duration
	RetryAttempts int
	RetryBaseWait time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("TABLETALK_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid TABLETALK_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "TABLETALK_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "TABLETALK_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "TABLETALK_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "TABLETALK_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "TABLETALK_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "TABLETALK_UPLOAD_MAX_BYTES", &cfg.Upload.MaxBytes); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "TABLETALK_UPLOAD_TEMP_ROOT", &cfg.Upload.TempRoot); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "TABLETALK_AGENT_MAX_STEPS", &cfg.Agent.MaxSteps); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "TABLETALK_AGENT_ROW_LIMIT", &cfg.Agent.RowLimit); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "TABLETALK_AGENT_SCHEMA_SAMPLE_ROWS", &cfg.Agent.SchemaSamples); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "TABLETALK_AGENT_QUESTION_BUDGET", &cfg.Agent.QuestionBudget); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "TABLETALK_AI_BASE_URL", &cfg.AI.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "TABLETALK_AI_API_KEY", &cfg.AI.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "TABLETALK_AI_MODEL", &cfg.AI.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "TABLETALK_AI_TEMPERATURE", &cfg.AI.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "TABLETALK_AI_TIMEOUT", &cfg.AI.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "TABLETALK_AI_RETRY_ATTEMPTS", &cfg.AI.RetryAttempts); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "TABLETALK_AI_RETRY_BASE_WAIT", &cfg.AI.RetryBaseWait); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "TABLETALK_CORS_ALLOWED_ORIGINS", &cfg.CORS.AllowedOrigins); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "TABLETALK_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "TABLETALK_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "TABLETALK_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "TABLETALK_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Agent.MaxSteps <= 0 {
		return Config{}, fmt.Errorf("agent max steps must be positive")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return Config{}, fmt.Errorf("upload max bytes must be positive")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "tabletalk-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Upload: UploadConfig{
			MaxBytes: 256 << 20,
			TempRoot: "",
		},
		Agent: AgentConfig{
			MaxSteps:       10,
			RowLimit:       5,
			SchemaSamples:  3,
			QuestionBudget: 2 * time.Minute,
		},
		AI: AIConfig{
			BaseURL:       "",
			Model:         "gpt-4o",
			Temperature:   0,
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryBaseWait: 500 * time.Millisecond,
		},
		CORS: CORSConfig{
			AllowedOrigins: "*",
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.CORS.AllowedOrigins = ""
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
