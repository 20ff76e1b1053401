package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	CORSAllowOrigins       string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	ChatChannelBase        string
	ChatHistoryLimit       int
	ChatMediaMaxBytes      int64
	ChatCommandRate        float64
	ChatCommandBurst       int
	TypingDebounce         time.Duration
	PresenceTTL            time.Duration
	RosterCacheTTL         time.Duration
	LastMessageCacheTTL    time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA CRM")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cloudinary.folder", "gema/crm")
	v.SetDefault("chat.channel_base", "gema")
	v.SetDefault("chat.history_limit", 100)
	v.SetDefault("chat.media_max_size", "15MB")
	v.SetDefault("chat.command_rate", 20)
	v.SetDefault("chat.command_burst", 40)
	v.SetDefault("chat.typing_debounce", "3s")
	v.SetDefault("chat.presence_ttl", "30s")
	v.SetDefault("roster.cache_ttl", "2m")
	v.SetDefault("chat.last_message_ttl", "30m")

	typingDebounce, err := parseDuration(v, "chat.typing_debounce", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	presenceTTL, err := parseDuration(v, "chat.presence_ttl", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	rosterTTL, err := parseDuration(v, "roster.cache_ttl", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	lastMessageTTL, err := parseDuration(v, "chat.last_message_ttl", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	mediaMax, err := parseBytes(v, "chat.media_max_size", 15*humanize.MByte)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		ChatChannelBase:        v.GetString("chat.channel_base"),
		ChatHistoryLimit:       v.GetInt("chat.history_limit"),
		ChatMediaMaxBytes:      mediaMax,
		ChatCommandRate:        v.GetFloat64("chat.command_rate"),
		ChatCommandBurst:       v.GetInt("chat.command_burst"),
		TypingDebounce:         typingDebounce,
		PresenceTTL:            presenceTTL,
		RosterCacheTTL:         rosterTTL,
		LastMessageCacheTTL:    lastMessageTTL,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.ChatHistoryLimit <= 0 {
		cfg.ChatHistoryLimit = 100
	}

	if cfg.ChatCommandRate <= 0 {
		cfg.ChatCommandRate = 20
	}
	if cfg.ChatCommandBurst <= 0 {
		cfg.ChatCommandBurst = 40
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}

	return parsed, nil
}

func parseBytes(v *viper.Viper, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed == 0 {
		return fallback, nil
	}

	return int64(parsed), nil
}
