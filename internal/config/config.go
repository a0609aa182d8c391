package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "VOICEJOBS"

type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Dedup         DedupConfig         `mapstructure:"dedup"`
	Feedback      FeedbackConfig      `mapstructure:"feedback"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Dataset       DatasetConfig       `mapstructure:"dataset"`
	Notify        NotifyConfig        `mapstructure:"notify"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig is optional; an empty Addr disables the Redis lock and publisher.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
	Seed        int           `mapstructure:"seed"`
	UseMock     bool          `mapstructure:"use_mock"`
}

type TranscriptionConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
	UseMock      bool          `mapstructure:"use_mock"`
}

type PipelineConfig struct {
	MinTranscriptLength int           `mapstructure:"min_transcript_length"`
	IssuePenalty        float64       `mapstructure:"issue_penalty"`
	ConfidenceFloor     float64       `mapstructure:"confidence_floor"`
	AutoCreateThreshold float64       `mapstructure:"auto_create_threshold"`
	StageTimeout        time.Duration `mapstructure:"stage_timeout"`
	Workers             int           `mapstructure:"workers"`
	MinUsableRecording  time.Duration `mapstructure:"min_usable_recording"`
	SchedulerInterval   time.Duration `mapstructure:"scheduler_interval"`
	NotifyTimeout       time.Duration `mapstructure:"notify_timeout"`
}

type RetryConfig struct {
	BaseDelay       time.Duration  `mapstructure:"base_delay"`
	ExponentialBase float64        `mapstructure:"exponential_base"`
	MaxDelay        time.Duration  `mapstructure:"max_delay"`
	Jitter          float64        `mapstructure:"jitter"`
	MaxRetries      map[string]int `mapstructure:"max_retries"`
}

type DedupConfig struct {
	FuzzyThreshold int    `mapstructure:"fuzzy_threshold"`
	NotesSeparator string `mapstructure:"notes_separator"`
}

// FeedbackConfig holds the recalibration tables, keyed by rating name and feedback type.
type FeedbackConfig struct {
	RatingMultipliers map[string]float64 `mapstructure:"rating_multipliers"`
	TypeWeights       map[string]float64 `mapstructure:"type_weights"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatasetConfig struct {
	Path string `mapstructure:"path"`
}

type NotifyConfig struct {
	OperatorWebhookURL string `mapstructure:"operator_webhook_url"`
	EventWebhookURL    string `mapstructure:"event_webhook_url"`
}

// Load reads .env, an optional config.yaml and VOICEJOBS_* environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir := os.Getenv(envPrefix + "_CONFIG"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return decode(v)
}

// Default returns the configuration with every default applied and no external sources.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// A table from the file or env replaces the default one whole.
	cfg.Retry.MaxRetries = withDefaults(cfg.Retry.MaxRetries, defaultMaxRetries())
	cfg.Feedback.RatingMultipliers = withDefaults(cfg.Feedback.RatingMultipliers, defaultRatingMultipliers())
	cfg.Feedback.TypeWeights = withDefaults(cfg.Feedback.TypeWeights, defaultTypeWeights())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "local")

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.path", "voice-jobs.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "voicejobs:events")
	v.SetDefault("redis.lock_ttl", 10*time.Second)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 25*time.Second)
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.seed", 7)
	v.SetDefault("llm.use_mock", false)

	v.SetDefault("transcription.base_url", "")
	v.SetDefault("transcription.timeout", 12*time.Second)
	v.SetDefault("transcription.poll_interval", 1500*time.Millisecond)
	v.SetDefault("transcription.poll_attempts", 40)
	v.SetDefault("transcription.use_mock", false)

	v.SetDefault("pipeline.min_transcript_length", 50)
	v.SetDefault("pipeline.issue_penalty", 0.15)
	v.SetDefault("pipeline.confidence_floor", 0.1)
	v.SetDefault("pipeline.auto_create_threshold", 0.6)
	v.SetDefault("pipeline.stage_timeout", 60*time.Second)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.min_usable_recording", 10*time.Second)
	v.SetDefault("pipeline.scheduler_interval", 5*time.Second)
	v.SetDefault("pipeline.notify_timeout", 3*time.Second)

	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.exponential_base", 2.0)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("retry.max_retries", defaultMaxRetries())

	v.SetDefault("dedup.fuzzy_threshold", 80)
	v.SetDefault("dedup.notes_separator", "\n---\n")

	v.SetDefault("feedback.rating_multipliers", defaultRatingMultipliers())
	v.SetDefault("feedback.type_weights", defaultTypeWeights())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")

	v.SetDefault("dataset.path", "calls.xlsx")

	v.SetDefault("notify.operator_webhook_url", "")
	v.SetDefault("notify.event_webhook_url", "")
}

func defaultMaxRetries() map[string]int {
	return map[string]int{
		"audio_quality":         0,
		"no_appointment":        0,
		"transcription_failed":  3,
		"extraction_failed":     2,
		"call_dropped":          2,
		"api_error":             3,
		"processing_timeout":    2,
		"multiple_appointments": 0,
		"insufficient_data":     0,
	}
}

func defaultRatingMultipliers() map[string]float64 {
	return map[string]float64{
		"very_poor": -0.3,
		"poor":      -0.2,
		"fair":      -0.05,
		"good":      0.1,
		"excellent": 0.2,
	}
}

func defaultTypeWeights() map[string]float64 {
	return map[string]float64{
		"service_type":          1.0,
		"service_address":       1.0,
		"appointment_exists":    1.0,
		"no_appointment":        1.0,
		"multiple_appointments": 1.0,
		"customer_name":         0.9,
		"customer_phone":        0.9,
		"appointment_date":      0.8,
		"appointment_time":      0.8,
		"urgency":               0.7,
		"customer_email":        0.7,
		"job_description":       0.6,
		"pricing":               0.5,
		"general":               0.5,
	}
}

// withDefaults adds every key of def that m lacks.
func withDefaults[V any](m, def map[string]V) map[string]V {
	if m == nil {
		return def
	}
	for k, v := range def {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return m
}

// bindLegacyEnv keeps the unprefixed variable names of earlier deployments working.
func bindLegacyEnv(v *viper.Viper) error {
	legacy := map[string]string{
		"environment":            "ENVIRONMENT",
		"server.port":            "PORT",
		"logging.level":          "LOG_LEVEL",
		"llm.api_key":            "LLM_API_KEY",
		"llm.model":              "LLM_MODEL",
		"llm.base_url":           "LLM_GATEWAY_URL",
		"llm.use_mock":           "USE_MOCK_LLM",
		"transcription.base_url": "TRANSCRIBE_URL",
		"transcription.use_mock": "USE_MOCK_TRANSCRIBE",
		"dataset.path":           "DATASET_PATH",
	}
	for key, name := range legacy {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, name); err != nil {
			return fmt.Errorf("bind env %s: %w", name, err)
		}
	}
	return nil
}
