package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string `yaml:"port"`
	DatabaseDSN           string `yaml:"database_dsn"`
	JWTSecret             string `yaml:"-"`
	Env                   string `yaml:"env"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days"`
	UploadDir             string `yaml:"upload_dir"`
	MaxUploadSizeMB       int    `yaml:"max_upload_size_mb"`
	HistoryLimit          int    `yaml:"history_limit"`
	WSSendBuffer          int    `yaml:"ws_send_buffer"`
	RedisURL              string `yaml:"redis_url"`
	LogLevel              string `yaml:"log_level"`
	CORSOrigins           string `yaml:"cors_allowed_origins"`
}

func defaults() Config {
	return Config{
		Port:                  "8080",
		DatabaseDSN:           "host=localhost user=postgres password=postgres dbname=chat port=5432 sslmode=disable TimeZone=UTC",
		JWTSecret:             defaultJWTSecret,
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		UploadDir:             "./uploads",
		MaxUploadSizeMB:       20,
		HistoryLimit:          50,
		WSSendBuffer:          256,
		LogLevel:              "info",
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvPositive 解析正整数，缺失或非法时回退到 def。
func getenvPositive(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Load 按 默认值 < CONFIG_FILE(yaml) < 环境变量 的优先级组装配置。
// 非 prod 环境下会先尝试加载当前目录的 .env。
func Load() Config {
	if os.Getenv("APP_ENV") != "prod" {
		_ = godotenv.Load()
	}
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config file ignored")
		}
	}
	d := cfg
	cfg.Port = getenv("APP_PORT", d.Port)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", d.DatabaseDSN)
	cfg.JWTSecret = getenv("JWT_SECRET", d.JWTSecret)
	cfg.Env = getenv("APP_ENV", d.Env)
	cfg.AccessTokenTTLMinutes = getenvPositive("ACCESS_TOKEN_TTL_MINUTES", d.AccessTokenTTLMinutes)
	cfg.RefreshTokenTTLDays = getenvPositive("REFRESH_TOKEN_TTL_DAYS", d.RefreshTokenTTLDays)
	cfg.UploadDir = getenv("UPLOAD_DIR", d.UploadDir)
	cfg.MaxUploadSizeMB = getenvPositive("MAX_UPLOAD_SIZE_MB", d.MaxUploadSizeMB)
	cfg.HistoryLimit = getenvPositive("HISTORY_LIMIT", d.HistoryLimit)
	cfg.WSSendBuffer = getenvPositive("WS_SEND_BUFFER", d.WSSendBuffer)
	cfg.RedisURL = getenv("REDIS_URL", d.RedisURL)
	cfg.LogLevel = getenv("LOG_LEVEL", d.LogLevel)
	cfg.CORSOrigins = getenv("CORS_ALLOWED_ORIGINS", d.CORSOrigins)
	return cfg
}

// overlayFile 用 yaml 文件中出现的字段覆盖默认值；非正数的整数项被忽略。
func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	d := *cfg
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		*cfg = d
		return err
	}
	for _, f := range []struct {
		v   *int
		def int
	}{
		{&cfg.AccessTokenTTLMinutes, d.AccessTokenTTLMinutes},
		{&cfg.RefreshTokenTTLDays, d.RefreshTokenTTLDays},
		{&cfg.MaxUploadSizeMB, d.MaxUploadSizeMB},
		{&cfg.HistoryLimit, d.HistoryLimit},
		{&cfg.WSSendBuffer, d.WSSendBuffer},
	} {
		if *f.v <= 0 {
			*f.v = f.def
		}
	}
	return nil
}

// Validate 检查启动必需项；dev 以外的环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}

// MaxUploadBytes 返回上传大小上限（字节）。
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadSizeMB) << 20
}
