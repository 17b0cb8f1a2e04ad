package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the relay.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Gateway struct {
		Host           string        `mapstructure:"host"`
		Port           int           `mapstructure:"port"`
		ExtendedFormat bool          `mapstructure:"extended_format"`
		SendQueueSize  int           `mapstructure:"send_queue_size"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"gateway"`
	Feedback struct {
		Host          string        `mapstructure:"host"`
		Port          int           `mapstructure:"port"`
		BufferRecords int           `mapstructure:"buffer_records"`
		PollInterval  time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"feedback"`
	Delivery struct {
		DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
		GracePeriod      time.Duration `mapstructure:"grace_period"`
		EventLogCapacity int           `mapstructure:"event_log_capacity"`
		ResumeInterval   time.Duration `mapstructure:"resume_interval"`
	} `mapstructure:"delivery"`
	TLS struct {
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Auth struct {
		Enabled   bool          `mapstructure:"enabled"`
		Username  string        `mapstructure:"username"`
		Password  string        `mapstructure:"password"`
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("apns_relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// v.ReadInConfig returns error if file missing; ignore if not found to allow env-only config
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("gateway.host", "gateway.push.apple.com")
	v.SetDefault("gateway.port", 2195)
	v.SetDefault("gateway.extended_format", true)
	v.SetDefault("gateway.send_queue_size", 64)
	v.SetDefault("gateway.dial_timeout", "30s")
	v.SetDefault("gateway.idle_timeout", "2m")

	v.SetDefault("feedback.host", "feedback.push.apple.com")
	v.SetDefault("feedback.port", 2196)
	v.SetDefault("feedback.buffer_records", 1)
	v.SetDefault("feedback.poll_interval", "1h")

	v.SetDefault("delivery.dispatch_interval", "1s")
	v.SetDefault("delivery.grace_period", "2s")
	v.SetDefault("delivery.event_log_capacity", 100)
	v.SetDefault("delivery.resume_interval", "10s")

	v.SetDefault("storage.path", "./data/relay.db")

	v.SetDefault("log.level", "info")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")
	v.SetDefault("auth.token_ttl", "12h")
}
