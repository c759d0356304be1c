package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all lea-avatar environment variables.
const EnvPrefix = "LEA_AVATAR_"

// Response modes for generated replies.
const (
	ResponseModeBackend = "backend"
	ResponseModeLocal   = "local"
)

// Config holds all application configuration. Secrets (API keys, the backend
// token) are loaded exclusively from environment variables and never appear
// in the config file.
type Config struct {
	BackendURL     string `yaml:"backend_url"`
	RequestTimeout string `yaml:"request_timeout"`
	IdleTimeout    string `yaml:"idle_timeout"`

	AvatarID       string `yaml:"avatar_id"`
	UserID         string `yaml:"user_id"`
	InputLanguage  string `yaml:"input_language"`
	OutputLanguage string `yaml:"output_language"`

	VoiceProvider string `yaml:"voice_provider"`
	VoiceChat     bool   `yaml:"voice_chat"`
	TaskType      string `yaml:"task_type"`
	RelayURL      string `yaml:"relay_url"`
	RealtimeURL   string `yaml:"realtime_url"`
	DeepgramModel string `yaml:"deepgram_model"`

	MicSampleRate  int   `yaml:"mic_sample_rate"`
	MicSampleRates []int `yaml:"mic_sample_rates"`

	DBPath        string `yaml:"db_path"`
	TranscriptDir string `yaml:"transcript_dir"`
	AudioDir      string `yaml:"audio_dir"`

	ResponseMode string `yaml:"response_mode"`
	LLMModel     string `yaml:"llm_model"`

	ListenAddr   string `yaml:"listen_addr"`
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets come from env vars only and are never serialized to YAML.
	BackendToken    string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		BackendURL:            "http://localhost:3000",
		RequestTimeout:        "30s",
		IdleTimeout:           "0s",
		AvatarID:              "default",
		UserID:                "local",
		InputLanguage:         "en-US",
		OutputLanguage:        "en",
		VoiceProvider:         "google",
		VoiceChat:             true,
		TaskType:              "chat",
		RelayURL:              "http://localhost:8080",
		RealtimeURL:           "https://api.openai.com/v1/realtime",
		DeepgramModel:         "nova-2",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		DBPath:                "data/lea-avatar.db",
		TranscriptDir:         "data/transcripts",
		ResponseMode:          ResponseModeBackend,
		LLMModel:              "openai/gpt-4o-mini",
		ListenAddr:            "127.0.0.1:8765",
		NATSSubject:           "lea.avatar",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedRequestTimeout returns RequestTimeout as a time.Duration, falling
// back to 30s if the value is invalid.
func (c *Config) ParsedRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ParsedIdleTimeout returns how long a session may sit quiet before it is
// closed. Zero disables the timeout.
func (c *Config) ParsedIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

// LLMAPIKey returns the secret matching the provider prefix of LLMModel.
func (c *Config) LLMAPIKey(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	fields := map[string]*string{
		"BACKEND_URL":             &cfg.BackendURL,
		"REQUEST_TIMEOUT":         &cfg.RequestTimeout,
		"IDLE_TIMEOUT":            &cfg.IdleTimeout,
		"AVATAR_ID":               &cfg.AvatarID,
		"USER_ID":                 &cfg.UserID,
		"INPUT_LANGUAGE":          &cfg.InputLanguage,
		"OUTPUT_LANGUAGE":         &cfg.OutputLanguage,
		"VOICE_PROVIDER":          &cfg.VoiceProvider,
		"TASK_TYPE":               &cfg.TaskType,
		"RELAY_URL":               &cfg.RelayURL,
		"REALTIME_URL":            &cfg.RealtimeURL,
		"DEEPGRAM_MODEL":          &cfg.DeepgramModel,
		"DB_PATH":                 &cfg.DBPath,
		"TRANSCRIPT_DIR":          &cfg.TranscriptDir,
		"AUDIO_DIR":               &cfg.AudioDir,
		"RESPONSE_MODE":           &cfg.ResponseMode,
		"LLM_MODEL":               &cfg.LLMModel,
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"NATS_URL":                &cfg.NATSURL,
		"NATS_SUBJECT":            &cfg.NATSSubject,
		"OTLP_ENDPOINT":           &cfg.OTLPEndpoint,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
	}
	for key, dst := range fields {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "VOICE_CHAT"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			cfg.VoiceChat = on
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.BackendToken = os.Getenv(EnvPrefix + "BACKEND_TOKEN")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.BackendToken == "" {
		warnings = append(warnings, "Backend token not configured, requests are sent unauthenticated. Set "+EnvPrefix+"BACKEND_TOKEN.")
	}
	switch cfg.VoiceProvider {
	case "google", "openai":
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			warnings = append(warnings, "Deepgram API key not configured, the deepgram voice provider is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown voice_provider %q, using google.", cfg.VoiceProvider))
		cfg.VoiceProvider = "google"
	}
	if cfg.TaskType != "chat" && cfg.TaskType != "repeat" {
		warnings = append(warnings, fmt.Sprintf("Unknown task_type %q, using repeat.", cfg.TaskType))
		cfg.TaskType = "repeat"
	}
	if _, err := time.ParseDuration(cfg.RequestTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid request_timeout %q, using default 30s.", cfg.RequestTimeout))
	}
	if d, err := time.ParseDuration(cfg.IdleTimeout); err != nil || d < 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid idle_timeout %q, idle sessions stay open.", cfg.IdleTimeout))
	}
	switch cfg.ResponseMode {
	case ResponseModeBackend:
	case ResponseModeLocal:
		provider, _, _ := strings.Cut(cfg.LLMModel, "/")
		if cfg.LLMAPIKey(provider) == "" {
			warnings = append(warnings, fmt.Sprintf("No API key for llm_model %q, falling back to backend replies.", cfg.LLMModel))
			cfg.ResponseMode = ResponseModeBackend
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown response_mode %q, using backend.", cfg.ResponseMode))
		cfg.ResponseMode = ResponseModeBackend
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
