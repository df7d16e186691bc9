package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "HAREI"

// AppConfig captures runtime configuration for the web server.
type AppConfig struct {
	HTTPAddress   string
	APIBaseURL    string
	APITimeout    time.Duration
	DatabasePath  string
	LogLevel      string
	CSRFKey       string
	AssetsDir     string
	DesktopPrefix string
	MobilePrefix  string

	S3Enabled   bool
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3PublicURL string
	S3UseSSL    bool

	RateEvery  time.Duration
	RateBurst  int
	RatePrune  time.Duration
	RateExpire time.Duration

	SessionValidity  time.Duration
	WorkspaceIdleTTL time.Duration
	ImageRetries     int
	ImageRetryDelay  time.Duration
	SlideInterval    time.Duration
	SlideCrossfade   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", ":8080")
	v.SetDefault("api.base_url", "https://api.harei.cn")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("database.path", "./harei.db?_journal_mode=WAL")
	v.SetDefault("log.level", "info")
	v.SetDefault("csrf.key", "")
	v.SetDefault("assets.dir", "./static/images")
	v.SetDefault("assets.desktop_prefix", "back")
	v.SetDefault("assets.mobile_prefix", "mbback")

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.use_ssl", true)

	v.SetDefault("rate.every", DefaultRateLimitEvery)
	v.SetDefault("rate.burst", DefaultRateLimitBurst)
	v.SetDefault("rate.prune", DefaultRateLimitPrune)
	v.SetDefault("rate.expire", DefaultRateLimitExpire)

	v.SetDefault("session.validity", TokenValidity.String())
	v.SetDefault("workspace.idle_ttl", "30m")
	v.SetDefault("image.retry_attempts", 3)
	v.SetDefault("image.retry_delay", "300ms")
	v.SetDefault("slideshow.interval", "5s")
	v.SetDefault("slideshow.crossfade", "1s")
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   v.GetString("http.address"),
		APIBaseURL:    strings.TrimSuffix(strings.TrimSpace(v.GetString("api.base_url")), "/"),
		APITimeout:    v.GetDuration("api.timeout"),
		DatabasePath:  v.GetString("database.path"),
		LogLevel:      v.GetString("log.level"),
		CSRFKey:       v.GetString("csrf.key"),
		AssetsDir:     v.GetString("assets.dir"),
		DesktopPrefix: v.GetString("assets.desktop_prefix"),
		MobilePrefix:  v.GetString("assets.mobile_prefix"),

		S3Enabled:   v.GetBool("s3.enabled"),
		S3Endpoint:  v.GetString("s3.endpoint"),
		S3AccessKey: v.GetString("s3.access_key"),
		S3SecretKey: v.GetString("s3.secret_key"),
		S3Bucket:    v.GetString("s3.bucket"),
		S3Region:    v.GetString("s3.region"),
		S3PublicURL: v.GetString("s3.public_url"),
		S3UseSSL:    v.GetBool("s3.use_ssl"),

		RateEvery:  v.GetDuration("rate.every"),
		RateBurst:  v.GetInt("rate.burst"),
		RatePrune:  v.GetDuration("rate.prune"),
		RateExpire: v.GetDuration("rate.expire"),

		SessionValidity:  v.GetDuration("session.validity"),
		WorkspaceIdleTTL: v.GetDuration("workspace.idle_ttl"),
		ImageRetries:     v.GetInt("image.retry_attempts"),
		ImageRetryDelay:  v.GetDuration("image.retry_delay"),
		SlideInterval:    v.GetDuration("slideshow.interval"),
		SlideCrossfade:   v.GetDuration("slideshow.crossfade"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(c.CSRFKey) < 32 {
		return fmt.Errorf("csrf.key must be at least 32 bytes")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ImageRetries < 1 {
		return fmt.Errorf("image.retry_attempts must be at least 1")
	}
	if c.ImageRetryDelay <= 0 {
		return fmt.Errorf("image.retry_delay must be positive")
	}
	if c.SessionValidity <= 0 {
		return fmt.Errorf("session.validity must be positive")
	}
	if c.SlideInterval <= 0 || c.SlideCrossfade < 0 || c.SlideCrossfade >= c.SlideInterval {
		return fmt.Errorf("slideshow.crossfade must be shorter than slideshow.interval")
	}
	if c.S3Enabled && (c.S3Endpoint == "" || c.S3Bucket == "") {
		return fmt.Errorf("s3.endpoint and s3.bucket are required when s3.enabled is set")
	}
	return nil
}
