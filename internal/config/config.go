package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "FREECLAIM"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "freeclaim.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultIssuer              = "freeclaim-auth"
	defaultCurrentKeyVersion   = 1
	defaultClaimMaxConcurrent  = 3
	defaultClaimBatchDelayMS   = 5000
	defaultActionTimeoutMS     = 30000
	defaultScheduleMinutes     = 360
	defaultClaimRatePerMinute  = 6
	defaultAllowedOrigin       = "http://localhost:3000"
	unversionedKeyVersion      = 1
	versionedKeyEnvPrefix      = "ENC_KEY_V"
	configKeyEncryptionKeys    = "encryption.keys"
	configKeyUnversionedKey    = "encryption.key"
	configKeyCurrentKeyVersion = "encryption.current_key_version"
)

var versionedKeyPattern = regexp.MustCompile(`^ENC_KEY_V([0-9]+)$`)

// AppConfig captures runtime configuration for the claim service.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	ClaimRatePerMinute int
	DatabasePath       string
	LogLevel           string
	LogFile            string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	EncryptionKeys    map[int]string
	CurrentKeyVersion int

	ClaimMaxConcurrent int
	ClaimBatchDelay    time.Duration
	Headless           bool
	ActionTimeout      time.Duration
	SlowMo             time.Duration
	ProxyURL           string
	EpicParentalPIN    string
	ChromePath         string
	ScreenshotDir      string

	ScheduleEnabled  bool
	ScheduleInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
// Service settings use the FREECLAIM_ prefix; encryption and automation settings are
// read from their fixed names.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	bindEnv(configViper, configKeyUnversionedKey, "ENC_KEY")
	bindEnv(configViper, configKeyCurrentKeyVersion, "CURRENT_KEY_VERSION")
	bindEnv(configViper, "claim.max_concurrent", "CLAIM_MAX_CONCURRENT")
	bindEnv(configViper, "claim.batch_delay_ms", "CLAIM_BATCH_DELAY_MS")
	bindEnv(configViper, "browser.headless", "HEADLESS")
	bindEnv(configViper, "browser.action_timeout_ms", "ACTION_TIMEOUT_MS")
	bindEnv(configViper, "browser.slow_mo_ms", "SLOW_MO_MS")
	bindEnv(configViper, "browser.proxy_url", "PROXY_URL")
	bindEnv(configViper, "epic.parental_pin", "EPIC_PARENTAL_PIN")

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.claim_rate_per_minute", defaultClaimRatePerMinute)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault(configKeyCurrentKeyVersion, defaultCurrentKeyVersion)
	configViper.SetDefault("claim.max_concurrent", defaultClaimMaxConcurrent)
	configViper.SetDefault("claim.batch_delay_ms", defaultClaimBatchDelayMS)
	configViper.SetDefault("browser.headless", true)
	configViper.SetDefault("browser.action_timeout_ms", defaultActionTimeoutMS)
	configViper.SetDefault("browser.slow_mo_ms", 0)
	configViper.SetDefault("schedule.enabled", false)
	configViper.SetDefault("schedule.interval_minutes", defaultScheduleMinutes)
}

func bindEnv(configViper *viper.Viper, key, envName string) {
	if err := configViper.BindEnv(key, envName); err != nil {
		panic(err)
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper and the process environment.
func Load(configViper *viper.Viper) (AppConfig, error) {
	return LoadFromEnviron(configViper, os.Environ())
}

// LoadFromEnviron parses runtime configuration, collecting ENC_KEY_V{n} entries from environ.
func LoadFromEnviron(configViper *viper.Viper, environ []string) (AppConfig, error) {
	keys, err := collectEncryptionKeys(configViper, environ)
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		ClaimRatePerMinute: configViper.GetInt("http.claim_rate_per_minute"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            configViper.GetString("log.file"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		EncryptionKeys:     keys,
		CurrentKeyVersion:  configViper.GetInt(configKeyCurrentKeyVersion),
		ClaimMaxConcurrent: configViper.GetInt("claim.max_concurrent"),
		ClaimBatchDelay:    time.Duration(configViper.GetInt("claim.batch_delay_ms")) * time.Millisecond,
		Headless:           configViper.GetBool("browser.headless"),
		ActionTimeout:      time.Duration(configViper.GetInt("browser.action_timeout_ms")) * time.Millisecond,
		SlowMo:             time.Duration(configViper.GetInt("browser.slow_mo_ms")) * time.Millisecond,
		ProxyURL:           configViper.GetString("browser.proxy_url"),
		EpicParentalPIN:    configViper.GetString("epic.parental_pin"),
		ChromePath:         configViper.GetString("browser.chrome_path"),
		ScreenshotDir:      configViper.GetString("browser.screenshot_dir"),
		ScheduleEnabled:    configViper.GetBool("schedule.enabled"),
		ScheduleInterval:   time.Duration(configViper.GetInt("schedule.interval_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// KeyVersions returns the configured key versions in ascending order.
func (c AppConfig) KeyVersions() []int {
	versions := make([]int, 0, len(c.EncryptionKeys))
	for version := range c.EncryptionKeys {
		versions = append(versions, version)
	}
	sort.Ints(versions)
	return versions
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.CurrentKeyVersion < 1 {
		return fmt.Errorf("CURRENT_KEY_VERSION must be at least 1, got %d", c.CurrentKeyVersion)
	}
	if c.ClaimMaxConcurrent < 1 {
		return fmt.Errorf("CLAIM_MAX_CONCURRENT must be at least 1, got %d", c.ClaimMaxConcurrent)
	}
	if c.ClaimBatchDelay < 0 {
		return fmt.Errorf("CLAIM_BATCH_DELAY_MS must not be negative")
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("ACTION_TIMEOUT_MS must be positive")
	}
	if c.SlowMo < 0 {
		return fmt.Errorf("SLOW_MO_MS must not be negative")
	}
	if c.ScheduleEnabled && c.ScheduleInterval <= 0 {
		return fmt.Errorf("schedule.interval_minutes must be positive when scheduling is enabled")
	}
	return nil
}

// collectEncryptionKeys merges keys from the config file, ENC_KEY_V{n} variables, and ENC_KEY.
// Environment variables take precedence; ENC_KEY is version 1 unless ENC_KEY_V1 is set.
// Key material is not decoded here.
func collectEncryptionKeys(configViper *viper.Viper, environ []string) (map[int]string, error) {
	keys := make(map[int]string)
	for rawVersion, material := range configViper.GetStringMapString(configKeyEncryptionKeys) {
		version, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(rawVersion), "v"))
		if err != nil || version < 1 {
			return nil, fmt.Errorf("%s: invalid key version %q", configKeyEncryptionKeys, rawVersion)
		}
		keys[version] = material
	}
	for _, entry := range environ {
		name, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(name, versionedKeyEnvPrefix) {
			continue
		}
		match := versionedKeyPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil || version < 1 {
			return nil, fmt.Errorf("%s: invalid key version", name)
		}
		keys[version] = strings.TrimSpace(value)
	}
	if _, ok := keys[unversionedKeyVersion]; !ok {
		if material := strings.TrimSpace(configViper.GetString(configKeyUnversionedKey)); material != "" {
			keys[unversionedKeyVersion] = material
		}
	}
	return keys, nil
}
