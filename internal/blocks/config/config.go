package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/blockmirror/internal/blocks/common/utils"
)

const envPrefix = "BLOCKS_"

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Actor is the DID of the local user whose follows are mirrored.
	Actor string `koanf:"actor" validate:"required,did"`

	AppviewURL string `koanf:"appview_url" validate:"required,url"`
	PLCURL     string `koanf:"plc_url" validate:"required,url"`

	// ListenAddr is where the HTTP API binds. Empty disables the API.
	ListenAddr string `koanf:"listen_addr"`

	// StorageBackend selects the PersistedStorage implementation.
	StorageBackend string `koanf:"storage_backend" validate:"required,oneof=bolt valkey memory"`
	StoragePath    string `koanf:"storage_path" validate:"required_if=StorageBackend bolt"`
	ValkeyAddress  string `koanf:"valkey_address" validate:"required_if=StorageBackend valkey"`
	ValkeyTLS      bool   `koanf:"valkey_tls"`

	SyncInterval time.Duration `koanf:"sync_interval" validate:"gte=1m"`
	DeepInterval time.Duration `koanf:"deep_interval" validate:"gte=1m"`
	// StaleAfter is how long a persisted running flag may live before the sweep clears it.
	StaleAfter time.Duration `koanf:"stale_after" validate:"gte=1m"`

	Concurrency    int           `koanf:"concurrency" validate:"gte=1,lte=64"`
	BatchDelay     time.Duration `koanf:"batch_delay" validate:"gte=0s"`
	ShortTimeout   time.Duration `koanf:"short_timeout" validate:"gte=1s"`
	LongTimeout    time.Duration `koanf:"long_timeout" validate:"gtefield=ShortTimeout"`
	HeavyThreshold int           `koanf:"heavy_threshold" validate:"gte=1"`
	MaxRecords     int           `koanf:"max_records" validate:"gtefield=HeavyThreshold"`

	HTTPRetries int           `koanf:"http_retries" validate:"gte=0,lte=10"`
	HTTPBackoff time.Duration `koanf:"http_backoff" validate:"gte=0s"`

	// MaxEntries bounds the number of cached relationship entries.
	MaxEntries int `koanf:"max_entries" validate:"gte=1"`

	ServerURLTTL       time.Duration `koanf:"server_url_ttl" validate:"gte=0s"`
	ServerURLCacheSize int           `koanf:"server_url_cache_size" validate:"gte=1"`
	FollowsTTL         time.Duration `koanf:"follows_ttl" validate:"gte=0s"`
	CreatorDelay       time.Duration `koanf:"creator_delay" validate:"gte=0s"`
}

// DEFAULT_APP_CONFIG defines the defaults applied before the environment is read.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:                "prod",
	LogLevel:           "info",
	AppviewURL:         "https://public.api.bsky.app",
	PLCURL:             "https://plc.directory",
	ListenAddr:         ":8088",
	StorageBackend:     "bolt",
	StoragePath:        "/var/lib/blockmirror/cache.db",
	ValkeyAddress:      "127.0.0.1:6379",
	SyncInterval:       30 * time.Minute,
	DeepInterval:       6 * time.Hour,
	StaleAfter:         2 * time.Hour,
	Concurrency:        5,
	BatchDelay:         500 * time.Millisecond,
	ShortTimeout:       30 * time.Second,
	LongTimeout:        90 * time.Second,
	HeavyThreshold:     500,
	MaxRecords:         10000,
	HTTPRetries:        3,
	HTTPBackoff:        time.Second,
	MaxEntries:         5000,
	ServerURLTTL:       24 * time.Hour,
	ServerURLCacheSize: 10000,
	FollowsTTL:         2 * time.Minute,
	CreatorDelay:       500 * time.Millisecond,
}

// validDID validates that the field parses as a DID (did:<method>:<id>).
func validDID(fl validator.FieldLevel) bool {
	return utils.IsDID(fl.Field().String())
}

// envLoader loads environment variables with the prefix "BLOCKS_".
// Keys are lowercased with the prefix removed. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "did" tag.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("did", validDID)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
