// Package config centralizes how DeadDrop reads its environment and exposes it
// as strongly typed values.
package config

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
)

// EnvPrefix is prepended to every key, e.g. DEADDROP_ADDRESS.
const EnvPrefix = "DEADDROP"

// Config represents runtime configuration shared by the server, the worker
// and the admin CLI.
type Config struct {
	Address   string
	PublicURL string
	Verbose   bool

	// DatabaseURL selects the PostgreSQL store. When empty the server runs
	// with in-memory stores and an in-process deletion dispatcher.
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
	Bucket      string

	TTL               time.Duration
	ShortCodeLength   int
	MaxShortCodeTries int
	PresignPutExpiry  time.Duration
	PresignGetExpiry  time.Duration
	DeleteBatchSize   int
	MaxChunks         int
	CORSOrigin        string
	SigningSecret     []byte
	Workers           int
}

const (
	defaultAddress          = ":8080"
	defaultTTLDays          = 30
	defaultShortCodeLength  = 6
	defaultShortCodeTries   = 8
	defaultPresignPutExpiry = 15 * time.Minute
	defaultPresignGetExpiry = 10 * time.Minute
	defaultMaxChunks        = 10000
	defaultWorkerCount      = 2
	defaultBucket           = "deaddrop"
	defaultRegion           = "us-east-1"
)

// Load reads configuration from DEADDROP_* environment variables falling back
// to defaults.
func Load() (*Config, error) {
	return LoadFrom(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("address", defaultAddress)
	v.SetDefault("public_url", "")
	v.SetDefault("verbose", false)
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("s3_endpoint", "127.0.0.1:9000")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_region", defaultRegion)
	v.SetDefault("s3_use_ssl", false)
	v.SetDefault("bucket", defaultBucket)
	v.SetDefault("ttl_days", defaultTTLDays)
	v.SetDefault("short_code_length", defaultShortCodeLength)
	v.SetDefault("max_shortcode_tries", defaultShortCodeTries)
	v.SetDefault("presign_put_expiry", defaultPresignPutExpiry)
	v.SetDefault("presign_get_expiry", defaultPresignGetExpiry)
	v.SetDefault("delete_batch_size", objectstore.MaxDeleteBatch)
	v.SetDefault("max_chunks", defaultMaxChunks)
	v.SetDefault("cors_origin", "*")
	v.SetDefault("signing_secret", "")
	v.SetDefault("workers", defaultWorkerCount)
	return v
}

// LoadFrom builds a Config from an already prepared viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Address:           v.GetString("address"),
		PublicURL:         strings.TrimRight(v.GetString("public_url"), "/"),
		Verbose:           v.GetBool("verbose"),
		DatabaseURL:       v.GetString("database_url"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		S3Endpoint:        v.GetString("s3_endpoint"),
		S3AccessKey:       v.GetString("s3_access_key"),
		S3SecretKey:       v.GetString("s3_secret_key"),
		S3Region:          v.GetString("s3_region"),
		S3UseSSL:          v.GetBool("s3_use_ssl"),
		Bucket:            v.GetString("bucket"),
		TTL:               time.Duration(v.GetInt("ttl_days")) * 24 * time.Hour,
		ShortCodeLength:   v.GetInt("short_code_length"),
		MaxShortCodeTries: v.GetInt("max_shortcode_tries"),
		PresignPutExpiry:  v.GetDuration("presign_put_expiry"),
		PresignGetExpiry:  v.GetDuration("presign_get_expiry"),
		DeleteBatchSize:   v.GetInt("delete_batch_size"),
		MaxChunks:         v.GetInt("max_chunks"),
		CORSOrigin:        v.GetString("cors_origin"),
		Workers:           v.GetInt("workers"),
	}
	if secret := v.GetString("signing_secret"); secret != "" {
		cfg.SigningSecret = []byte(secret)
	} else {
		buf, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.SigningSecret = buf
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl_days must be positive")
	}
	if cfg.ShortCodeLength < 4 {
		return nil, fmt.Errorf("short_code_length must be at least 4, got %d", cfg.ShortCodeLength)
	}
	if cfg.MaxShortCodeTries <= 0 {
		cfg.MaxShortCodeTries = defaultShortCodeTries
	}
	if cfg.DeleteBatchSize <= 0 || cfg.DeleteBatchSize > objectstore.MaxDeleteBatch {
		cfg.DeleteBatchSize = objectstore.MaxDeleteBatch
	}
	if cfg.PresignPutExpiry <= 0 {
		cfg.PresignPutExpiry = defaultPresignPutExpiry
	}
	if cfg.PresignGetExpiry <= 0 {
		cfg.PresignGetExpiry = defaultPresignGetExpiry
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultMaxChunks
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}
	return cfg, nil
}

// InMemory reports whether the process should use the in-memory stores.
func (c *Config) InMemory() bool {
	return c.DatabaseURL == ""
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate signing secret: %w", err)
	}
	return buf, nil
}
