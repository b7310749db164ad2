// Package config loads the gateway's YAML configuration file and applies
// environment variable overrides, following the same layered pattern the
// original proxy used: file defaults, then file contents, then env vars,
// then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the realtime voice gateway.
type Config struct {
	Listen  string        `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	Gateway GatewayConfig `yaml:"gateway"`

	Realtime RealtimeConfig `yaml:"realtime"`
	Failover FailoverConfig `yaml:"failover"`

	Policy PolicyRLConfig `yaml:"policy"`
	Phone  PhoneConfig    `yaml:"phone"`

	Session   SessionConfig   `yaml:"session"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	CostLog   CostLogConfig   `yaml:"cost_log"`
}

// TLSConfig holds TLS termination settings for the gateway listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// AuthConfig holds JWT validation settings (spec §4.6, §7.2).
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	JWTAudience      string        `yaml:"jwt_audience"`
	JWTIssuer        string        `yaml:"jwt_issuer"`
	JWTMaxTTLSeconds int           `yaml:"jwt_max_ttl_seconds"`
	DevAllowNoJWT    bool          `yaml:"dev_allow_no_jwt"`
	NonceTTL         time.Duration `yaml:"nonce_ttl"`
}

// GatewayConfig holds the WS Gateway's admission, rate-limit, and framing
// settings (spec §4.6, component C6).
type GatewayConfig struct {
	IPAllowlist     []string `yaml:"ip_allowlist"`
	OriginAllowlist []string `yaml:"origin_allowlist"`

	RateLimitMsgsPerSec  int `yaml:"rate_limit_msgs_per_sec"`
	RateLimitBytesPerSec int `yaml:"rate_limit_bytes_per_sec"`
	RateLimitConnPerMin  int `yaml:"rate_limit_conn_per_min"`

	MaxFrameSize     int           `yaml:"max_frame_size"`
	MaxAudioBuffer   int           `yaml:"max_audio_buffer"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// RealtimeConfig selects and configures the Realtime Session backend
// (spec §4.3, component C4).
type RealtimeConfig struct {
	Backend     string `yaml:"backend"` // "provider" or "local"
	AllowEgress bool   `yaml:"allow_egress"`

	ProviderURL              string        `yaml:"provider_url"`
	ProviderHandshakeTimeout time.Duration `yaml:"provider_handshake_timeout"`
}

// FailoverConfig holds the provider→local cutover thresholds (spec §4.4).
type FailoverConfig struct {
	Policy         string        `yaml:"policy"` // "provider_then_local" or "fixed"
	ErrorBurst     int           `yaml:"error_burst"`
	ErrorWindow    time.Duration `yaml:"error_window"`
	TriggerLatency time.Duration `yaml:"trigger_latency"`
	CooldownSec    int           `yaml:"cooldown_sec"`
}

// PolicyRLConfig configures the Policy Bandit, Reward Calculator, and
// Deploy Guard (spec §2-§4, components C1-C3).
type PolicyRLConfig struct {
	BaseVariant string         `yaml:"base_variant"`
	Variants    []VariantEntry `yaml:"variants"`

	BanditStatePath string `yaml:"bandit_state_path"`
	DeployStatePath string `yaml:"deploy_state_path"`

	TrafficSplitNew                float64 `yaml:"traffic_split_new"`
	TrafficSplitUncertain          float64 `yaml:"traffic_split_uncertain"`
	BlacklistThresholdReward       float64 `yaml:"blacklist_threshold_reward"`
	MinPullsForEvaluation          int     `yaml:"min_pulls_for_evaluation"`
	UncertaintyThresholdConfidence float64 `yaml:"uncertainty_threshold_confidence"`
	MaxActiveVariants              int     `yaml:"max_active_variants"`

	RewardWeights RewardWeightsConfig `yaml:"reward_weights"`
}

// VariantEntry is one configured policy variant (spec §2 "Variant").
type VariantEntry struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Params      map[string]string `yaml:"params"`
}

// RewardWeightsConfig mirrors reward.Weights for YAML/env configurability.
type RewardWeightsConfig struct {
	Resolution  float64 `yaml:"resolution"`
	Rating      float64 `yaml:"rating"`
	BargeIn     float64 `yaml:"barge_in"`
	Repeats     float64 `yaml:"repeats"`
	Handover    float64 `yaml:"handover"`
	DurationMax float64 `yaml:"duration_max"`
}

// PhoneConfig holds E.164 normalization and hashing settings (spec §4.6, §6).
type PhoneConfig struct {
	DefaultCountryCode string `yaml:"default_country_code"`
	PepperCurrent      string `yaml:"pepper_current"`
	PepperPrevious     string `yaml:"pepper_previous"`
}

// SessionConfig holds call-registry timing and backing store settings.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Store       string        `yaml:"store"` // "memory" or "redis"
	Redis       RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings, shared by the session
// registry and the nonce store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ControlConfig holds the introspection/control API's listen settings.
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API bearer-token authentication settings.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// StorageConfig holds CDR/feedback persistence settings (spec §6).
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CostLogConfig holds per-call STT/LLM/TTS cost accounting settings, a
// supplement beyond spec.md (not in the distilled spec's scope) pulled from
// the original system's cost dashboard. Per-minute prices default to the
// historical billing-desk values and can be overridden per deployment.
type CostLogConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Dir       string  `yaml:"dir"`
	STTPerMin float64 `yaml:"stt_price_per_min"`
	LLMPerMin float64 `yaml:"llm_price_per_min"`
	TTSPerMin float64 `yaml:"tts_price_per_min"`
}

// Load reads and parses the configuration file at path, applying defaults
// and environment overrides. A missing file is not an error; defaults()
// alone is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8443",
		Auth: AuthConfig{
			JWTAudience:      "voicegate",
			JWTIssuer:        "voicegate",
			JWTMaxTTLSeconds: 60,
			DevAllowNoJWT:    false,
			NonceTTL:         120 * time.Second,
		},
		Gateway: GatewayConfig{
			RateLimitMsgsPerSec:  120,
			RateLimitBytesPerSec: 262144,
			RateLimitConnPerMin:  30,
			MaxFrameSize:         65536,
			MaxAudioBuffer:       50,
			HandshakeTimeout:     5 * time.Second,
		},
		Realtime: RealtimeConfig{
			Backend:                  "local",
			AllowEgress:              false,
			ProviderHandshakeTimeout: 5 * time.Second,
		},
		Failover: FailoverConfig{
			Policy:         "provider_then_local",
			ErrorBurst:     3,
			ErrorWindow:    60 * time.Second,
			TriggerLatency: 800 * time.Millisecond,
			CooldownSec:    600,
		},
		Policy: PolicyRLConfig{
			BaseVariant:                    "base",
			BanditStatePath:                "data/bandit_state.json",
			DeployStatePath:                "data/deploy_state.json",
			TrafficSplitNew:                0.10,
			TrafficSplitUncertain:          0.20,
			BlacklistThresholdReward:       -0.2,
			MinPullsForEvaluation:          20,
			UncertaintyThresholdConfidence: 0.60,
			MaxActiveVariants:              5,
			RewardWeights: RewardWeightsConfig{
				Resolution:  0.6,
				Rating:      0.2,
				BargeIn:     0.1,
				Repeats:     0.1,
				Handover:    0.1,
				DurationMax: 0.2,
			},
		},
		Phone: PhoneConfig{
			DefaultCountryCode: "1",
		},
		Session: SessionConfig{
			IdleTimeout: 30 * time.Second,
			GracePeriod: 5 * time.Minute,
			Store:       "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "voicegate:",
			},
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "voicegate",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          "data/voicegate.db",
			RetentionDays: 30,
		},
		CostLog: CostLogConfig{
			Enabled:   true,
			Dir:       "data/cost_logs",
			STTPerMin: 0.030,
			LLMPerMin: 0.040,
			TTSPerMin: 0.010,
		},
	}
}

// applyEnvOverrides applies environment variable overrides using the names
// enumerated in spec §4.6, plus a VOICEGATE_-prefixed set for the ambient
// settings the spec doesn't name explicitly.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		c.Auth.JWTAudience = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		c.Auth.JWTIssuer = v
	}
	if v := os.Getenv("JWT_MAX_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Auth.JWTMaxTTLSeconds = n
		}
	}
	if v := os.Getenv("DEV_ALLOW_NO_JWT"); v != "" {
		c.Auth.DevAllowNoJWT = v == "true"
	}

	if v := os.Getenv("WS_GATEWAY_IP_ALLOWLIST"); v != "" {
		c.Gateway.IPAllowlist = splitCSV(v)
	}
	if v := os.Getenv("WS_GATEWAY_ORIGIN_ALLOWLIST"); v != "" {
		c.Gateway.OriginAllowlist = splitCSV(v)
	}
	if v := os.Getenv("RATE_LIMIT_MSGS_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.RateLimitMsgsPerSec = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_BYTES_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.RateLimitBytesPerSec = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_CONN_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.RateLimitConnPerMin = n
		}
	}
	if v := os.Getenv("MAX_FRAME_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.MaxFrameSize = n
		}
	}
	if v := os.Getenv("WS_MAX_AUDIO_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.MaxAudioBuffer = n
		}
	}

	if v := os.Getenv("REALTIME_BACKEND"); v != "" {
		c.Realtime.Backend = v
	}
	if v := os.Getenv("ALLOW_EGRESS"); v != "" {
		c.Realtime.AllowEgress = v == "true"
	}
	if v := os.Getenv("REALTIME_PROVIDER_URL"); v != "" {
		c.Realtime.ProviderURL = v
	}

	if v := os.Getenv("FALLBACK_POLICY"); v != "" {
		c.Failover.Policy = v
	}
	if v := os.Getenv("FALLBACK_ERROR_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Failover.ErrorBurst = n
		}
	}
	if v := os.Getenv("FALLBACK_ERROR_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Failover.ErrorWindow = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("FALLBACK_TRIGGER_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Failover.TriggerLatency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("FALLBACK_COOLDOWN_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Failover.CooldownSec = n
		}
	}

	if v := os.Getenv("PHONE_DEFAULT_CC"); v != "" {
		c.Phone.DefaultCountryCode = v
	}
	if v := os.Getenv("PHONE_PEPPER_CURRENT"); v != "" {
		c.Phone.PepperCurrent = v
	}
	if v := os.Getenv("PHONE_PEPPER_PREVIOUS"); v != "" {
		c.Phone.PepperPrevious = v
	}

	if v := os.Getenv("VOICEGATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("VOICEGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VOICEGATE_SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("VOICEGATE_REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}
	if v := os.Getenv("VOICEGATE_REDIS_PASSWORD"); v != "" {
		c.Session.Redis.Password = v
	}

	if os.Getenv("VOICEGATE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("VOICEGATE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("VOICEGATE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if os.Getenv("VOICEGATE_STORAGE_ENABLED") == "false" {
		c.Storage.Enabled = false
	}
	if v := os.Getenv("VOICEGATE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if os.Getenv("VOICEGATE_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("VOICEGATE_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("VOICEGATE_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if os.Getenv("VOICEGATE_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("VOICEGATE_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true
	}

	if os.Getenv("VOICEGATE_COST_LOG_ENABLED") == "false" {
		c.CostLog.Enabled = false
	}
	if v := os.Getenv("VOICEGATE_COST_LOG_DIR"); v != "" {
		c.CostLog.Dir = v
	}
	// Price env var names match the original cost dashboard's convention
	// (EUR per minute of stage duration) so operators migrating dashboards
	// don't have to relearn variable names.
	if v := os.Getenv("PRICE_STT_PER_MIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.CostLog.STTPerMin = f
		}
	}
	if v := os.Getenv("PRICE_LLM_PER_MIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.CostLog.LLMPerMin = f
		}
	}
	if v := os.Getenv("PRICE_TTS_PER_MIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.CostLog.TTSPerMin = f
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks the configuration for internal consistency.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if !c.Auth.DevAllowNoJWT && c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required unless dev_allow_no_jwt is set")
	}
	if c.Realtime.Backend != "provider" && c.Realtime.Backend != "local" {
		return fmt.Errorf("realtime.backend must be \"provider\" or \"local\", got %q", c.Realtime.Backend)
	}
	if c.Realtime.Backend == "provider" && !c.Realtime.AllowEgress {
		return fmt.Errorf("realtime.backend=provider requires allow_egress")
	}
	if c.Failover.Policy != "provider_then_local" && c.Failover.Policy != "fixed" {
		return fmt.Errorf("failover.policy must be \"provider_then_local\" or \"fixed\", got %q", c.Failover.Policy)
	}
	if c.Policy.BaseVariant == "" {
		return fmt.Errorf("policy.base_variant is required")
	}
	if c.Policy.MaxActiveVariants <= 0 {
		return fmt.Errorf("policy.max_active_variants must be positive")
	}
	if c.Session.Store != "memory" && c.Session.Store != "redis" {
		return fmt.Errorf("session.store must be \"memory\" or \"redis\", got %q", c.Session.Store)
	}
	return nil
}
