package eligibilityd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"loop/core/attestation"
	"loop/core/eligibility"
	"loop/crypto"
	"loop/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for eligibilityd.
type Config struct {
	ListenAddress string `yaml:"listen"`

	SignerKey           string   `yaml:"signer_key"`
	SignerKeyEnv        string   `yaml:"signer_key_env"`
	SignerKeyFile       string   `yaml:"signer_key_file"`
	Keystore            string   `yaml:"keystore"`
	KeystorePassEnv     string   `yaml:"keystore_passphrase_env"`
	SignatureScheme     string   `yaml:"signature_scheme"`
	UpstreamTimeout     Duration `yaml:"upstream_timeout"`
	ShutdownGracePeriod Duration `yaml:"shutdown_grace_period"`

	Policy    PolicyConfig              `yaml:"policy"`
	Passport  PassportConfig            `yaml:"passport"`
	Subgraph  SubgraphConfig            `yaml:"subgraph"`
	Chains    []ChainConfig             `yaml:"chains"`
	Redis     RedisConfig               `yaml:"redis"`
	RateLimit map[string]RateLimitEntry `yaml:"rate_limits"`
	CORS      CORSConfig                `yaml:"cors"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// PolicyConfig mirrors eligibility.Policy.
type PolicyConfig struct {
	Mode       string   `yaml:"mode"`
	Threshold  *float64 `yaml:"threshold"`
	Comparison string   `yaml:"comparison"`
	Group      string   `yaml:"group"`
}

// PassportConfig configures the score provider.
type PassportConfig struct {
	BaseURL   string `yaml:"base_url"`
	ScorerID  string `yaml:"scorer_id"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// SubgraphConfig configures the membership oracle. Per-chain endpoints
// override DefaultEndpoint.
type SubgraphConfig struct {
	DefaultEndpoint string `yaml:"default_endpoint"`
}

// ChainConfig is one row of the chain lookup table.
type ChainConfig struct {
	ID                   uint64 `yaml:"id"`
	RPCURL               string `yaml:"rpc_url"`
	SubgraphURL          string `yaml:"subgraph_url"`
	Group                string `yaml:"group"`
	RegistrationLookback uint64 `yaml:"registration_lookback"`
}

// RedisConfig enables the shared loop-details cache when URL is set.
type RedisConfig struct {
	URL          string   `yaml:"url"`
	PoolSize     int      `yaml:"pool_size"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// RateLimitEntry limits one route per client.
type RateLimitEntry struct {
	RequestsPerMinute float64 `yaml:"rpm"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.SignatureScheme == "" {
		cfg.SignatureScheme = string(attestation.SchemeEIP191)
	}
	if cfg.UpstreamTimeout.Duration <= 0 {
		cfg.UpstreamTimeout.Duration = 8 * time.Second
	}
	if cfg.ShutdownGracePeriod.Duration <= 0 {
		cfg.ShutdownGracePeriod.Duration = 10 * time.Second
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = map[string]RateLimitEntry{
			routeEligibility: {RequestsPerMinute: 60, Burst: 10},
		}
	}
}

func validateConfig(cfg Config) error {
	if _, err := attestation.ParseScheme(cfg.SignatureScheme); err != nil {
		return fmt.Errorf("signature_scheme: %w", err)
	}
	if err := cfg.Policy.policy().Normalise().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	seen := make(map[uint64]struct{}, len(cfg.Chains))
	for i, chain := range cfg.Chains {
		if chain.ID == 0 {
			return fmt.Errorf("chains[%d]: id must be non-zero", i)
		}
		if _, dup := seen[chain.ID]; dup {
			return fmt.Errorf("chains[%d]: duplicate chain id %d", i, chain.ID)
		}
		seen[chain.ID] = struct{}{}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return fmt.Errorf("chains[%d]: rpc_url must be configured", i)
		}
	}
	for route, limit := range cfg.RateLimit {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s: rpm and burst must be positive", route)
		}
	}
	return nil
}

func (p PolicyConfig) policy() eligibility.Policy {
	policy := eligibility.DefaultPolicy()
	if p.Mode != "" {
		policy.Mode = eligibility.Mode(p.Mode)
	}
	if p.Threshold != nil {
		policy.Threshold = *p.Threshold
	}
	if p.Comparison != "" {
		policy.Comparison = eligibility.Comparison(p.Comparison)
	}
	policy.Group = p.Group
	return policy.Normalise()
}

// ResolveAPIKey returns the score provider credential, reading api_key_env
// when no inline key is configured.
func (p PassportConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(p.APIKey); key != "" {
		return key
	}
	if env := strings.TrimSpace(p.APIKeyEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// signerSource names where the signing key comes from, without the key.
func (c Config) signerSource() string {
	switch {
	case strings.TrimSpace(c.SignerKey) != "":
		return "inline"
	case strings.TrimSpace(c.SignerKeyEnv) != "":
		return "env:" + strings.TrimSpace(c.SignerKeyEnv)
	case strings.TrimSpace(c.SignerKeyFile) != "":
		return "file:" + strings.TrimSpace(c.SignerKeyFile)
	case strings.TrimSpace(c.Keystore) != "":
		return "keystore:" + strings.TrimSpace(c.Keystore)
	default:
		return "none"
	}
}

// credentialAttrs describes the configured credentials with secrets masked.
func (c Config) credentialAttrs() []any {
	return []any{
		slog.String("signerSource", c.signerSource()),
		logging.MaskField("signerKey", c.SignerKey),
		logging.MaskField("passportApiKey", c.Passport.ResolveAPIKey()),
		logging.MaskURL("passportUrl", c.Passport.BaseURL),
		logging.MaskURL("redisUrl", c.Redis.URL),
	}
}

// ResolveSignerKey loads the signing key from the first configured source.
// A nil key with a nil error means no source is configured; the service still
// starts and reports a configuration error on every request.
func (c Config) ResolveSignerKey(passphrase func() (string, error)) (*crypto.PrivateKey, error) {
	raw := strings.TrimSpace(c.SignerKey)
	switch {
	case raw != "":
	case strings.TrimSpace(c.SignerKeyEnv) != "":
		raw = strings.TrimSpace(os.Getenv(strings.TrimSpace(c.SignerKeyEnv)))
		if raw == "" {
			return nil, fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
	case strings.TrimSpace(c.SignerKeyFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(c.SignerKeyFile))
		if err != nil {
			return nil, fmt.Errorf("read signer_key_file: %w", err)
		}
		raw = strings.TrimSpace(string(contents))
	case strings.TrimSpace(c.Keystore) != "":
		if passphrase == nil {
			return nil, fmt.Errorf("keystore configured without a passphrase source")
		}
		pass, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("keystore passphrase: %w", err)
		}
		key, err := crypto.LoadFromKeystore(strings.TrimSpace(c.Keystore), pass)
		if err != nil {
			return nil, fmt.Errorf("load keystore: %w", err)
		}
		return key, nil
	default:
		return nil, nil
	}
	key, err := crypto.PrivateKeyFromHex(raw)
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	return key, nil
}
