package config

import "time"

// Config holds server and worker configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	RedisURL  string `mapstructure:"redis_url" yaml:"redis_url"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`

	DeliveryLogPath string `mapstructure:"delivery_log_path" yaml:"delivery_log_path"`

	WebhookVerifyToken string `mapstructure:"webhook_verify_token" yaml:"webhook_verify_token"`
	WhatsAppAppSecret  string `mapstructure:"whatsapp_app_secret" yaml:"whatsapp_app_secret"`
	WebhookRateLimit   int    `mapstructure:"webhook_rate_limit" yaml:"webhook_rate_limit"`

	TelegramBotToken      string `mapstructure:"telegram_bot_token" yaml:"telegram_bot_token"`
	WhatsAppAPIURL        string `mapstructure:"whatsapp_api_url" yaml:"whatsapp_api_url"`
	WhatsAppAPIToken      string `mapstructure:"whatsapp_api_token" yaml:"whatsapp_api_token"`
	WhatsAppPhoneNumberID string `mapstructure:"whatsapp_phone_number_id" yaml:"whatsapp_phone_number_id"`

	AIServiceURL string `mapstructure:"ai_service_url" yaml:"ai_service_url"`

	SMTPHost     string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port" yaml:"smtp_port"`
	SMTPUser     string `mapstructure:"smtp_user" yaml:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password" yaml:"smtp_password"`
	SMTPFrom     string `mapstructure:"smtp_from" yaml:"smtp_from"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	QueuePopTimeout   time.Duration `mapstructure:"queue_pop_timeout" yaml:"queue_pop_timeout"`
	AnalyticsInterval time.Duration `mapstructure:"analytics_interval" yaml:"analytics_interval"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		RedisURL:          "redis://localhost:6379/0",
		Namespace:         "omnisupport",
		JWTIssuer:         "omnisupport",
		JWTAudience:       "omnisupport",
		JWTTTL:            24 * time.Hour,
		DeliveryLogPath:   "deliveries.db",
		LogLevel:          "info",
		LogFormat:         "console",
		QueuePopTimeout:   5 * time.Second,
		AnalyticsInterval: 5 * time.Minute,
		SMTPPort:          587,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.RedisURL != "" {
		c.RedisURL = other.RedisURL
	}
	if other.Namespace != "" {
		c.Namespace = other.Namespace
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.DeliveryLogPath != "" {
		c.DeliveryLogPath = other.DeliveryLogPath
	}
}
