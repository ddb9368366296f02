package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config хранит все настройки приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Session    SessionConfig
	Linking    LinkingConfig
	OAuth      OAuthConfig
	Email      EmailConfig
	Gatekeeper GatekeeperConfig
	WebSocket  WebSocketConfig
	Metrics    MetricsConfig
}

// ServerConfig содержит настройки HTTP сервера
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
	// PublicURL - внешний адрес приложения, из него строятся redirect_uri провайдеров
	PublicURL      string   `mapstructure:"public_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig содержит настройки подключения к PostgreSQL
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig содержит унифицированные настройки подключения к Redis
// Поддерживает режимы: single, sentinel, cluster
type RedisConfig struct {
	// Mode: Режим работы Redis ("single", "sentinel", "cluster"). По умолчанию "single".
	Mode string `mapstructure:"mode"`

	// Addrs: Список адресов Redis (хост:порт). Используется для всех режимов.
	Addrs []string `mapstructure:"addrs"`

	// Addr: Альтернативный адрес для режима 'single'.
	Addr string `mapstructure:"addr"`

	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// MasterName: Имя мастер-сервера Redis (только для режима "sentinel")
	MasterName string `mapstructure:"master_name"`

	MaxRetries      int `mapstructure:"max_retries"`
	MinRetryBackoff int `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff int `mapstructure:"max_retry_backoff"`
}

// Режимы проверки бана в Session Resolver
const (
	BanCheckFresh = "fresh" // бан/роль/handle берутся из кеша состояния, подкрепленного БД
	BanCheckToken = "token" // доверяем снимку в сессионном токене до его истечения
)

// SessionConfig содержит настройки сессионной куки и Session Resolver
type SessionConfig struct {
	Secret                string `mapstructure:"secret"`
	LifetimeHrs           int    `mapstructure:"lifetime_hrs"`
	CookieName            string `mapstructure:"cookie_name"`
	SecureCookie          bool   `mapstructure:"secure_cookie"`
	BanCheckMode          string `mapstructure:"ban_check_mode"`
	StateCacheTTLSeconds  int    `mapstructure:"state_cache_ttl_seconds"`
	InvalidationRetention int    `mapstructure:"invalidation_retention_hrs"`
}

// LinkingConfig содержит параметры привязки провайдеров
type LinkingConfig struct {
	TokenTTLMinutes int `mapstructure:"token_ttl_minutes"`
	// QuiescenceMs - пауза между re-auth и рукопожатием с новым провайдером
	QuiescenceMs    int           `mapstructure:"quiescence_ms"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// OAuthProviderConfig - учетные данные одного провайдера
type OAuthProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// OAuthConfig содержит настройки внешних провайдеров
type OAuthConfig struct {
	GitHub OAuthProviderConfig `mapstructure:"github"`
	Google OAuthProviderConfig `mapstructure:"google"`
}

// EmailConfig содержит настройки уведомлений
type EmailConfig struct {
	ResendAPIKey string `mapstructure:"resend_api_key"`
	From         string `mapstructure:"from"`
}

// GatekeeperConfig описывает пути для правил доступа
type GatekeeperConfig struct {
	ProtectedPrefixes []string `mapstructure:"protected_prefixes"`
	LoginPaths        []string `mapstructure:"login_paths"`
	LandingPath       string   `mapstructure:"landing_path"`
	LoginPath         string   `mapstructure:"login_path"`
	OnboardingPath    string   `mapstructure:"onboarding_path"`
	BannedPath        string   `mapstructure:"banned_path"`
	SignOutPath       string   `mapstructure:"signout_path"`
}

// WebSocketConfig содержит настройки канала уведомлений
type WebSocketConfig struct {
	Ping    PingConfig
	Limits  LimitsConfig
	Cluster ClusterConfig
}

// PingConfig содержит настройки пингов (в секундах)
type PingConfig struct {
	Interval int
	Timeout  int
}

// LimitsConfig содержит настройки ограничений
type LimitsConfig struct {
	MaxMessageSize   int `mapstructure:"max_message_size"`
	WriteWait        int `mapstructure:"write_wait"`
	ClientSendBuffer int `mapstructure:"client_send_buffer"`
}

// ClusterConfig содержит настройки межинстансной доставки через Redis Pub/Sub
type ClusterConfig struct {
	Enabled             bool
	InstanceID          string `mapstructure:"instance_id"`
	UserEventsChannel   string `mapstructure:"user_events_channel"`
	InvalidationChannel string `mapstructure:"invalidation_channel"`
}

// MetricsConfig содержит настройки Prometheus
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// PostgresConnectionString формирует строку подключения к PostgreSQL
func (d *DatabaseConfig) PostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// TokenTTL возвращает время жизни токена привязки
func (l LinkingConfig) TokenTTL() time.Duration {
	return time.Duration(l.TokenTTLMinutes) * time.Minute
}

// Quiescence возвращает минимальную паузу перед вторым рукопожатием
func (l LinkingConfig) Quiescence() time.Duration {
	return time.Duration(l.QuiescenceMs) * time.Millisecond
}

// Lifetime возвращает время жизни сессионного токена
func (s SessionConfig) Lifetime() time.Duration {
	return time.Duration(s.LifetimeHrs) * time.Hour
}

// StateCacheTTL возвращает TTL кеша состояния сессии
func (s SessionConfig) StateCacheTTL() time.Duration {
	return time.Duration(s.StateCacheTTLSeconds) * time.Second
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("server.port", "8080")
	vip.SetDefault("server.readtimeout", 15)
	vip.SetDefault("server.writetimeout", 15)
	vip.SetDefault("server.public_url", "http://localhost:8080")
	vip.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	vip.SetDefault("database.port", "5432")
	vip.SetDefault("database.sslmode", "disable")

	vip.SetDefault("redis.mode", "single")

	vip.SetDefault("session.lifetime_hrs", 24*7)
	vip.SetDefault("session.cookie_name", "linkbio_session")
	vip.SetDefault("session.ban_check_mode", BanCheckFresh)
	vip.SetDefault("session.state_cache_ttl_seconds", 30)
	vip.SetDefault("session.invalidation_retention_hrs", 24*7)

	vip.SetDefault("linking.token_ttl_minutes", 10)
	vip.SetDefault("linking.quiescence_ms", 2000)
	vip.SetDefault("linking.cleanup_interval", 15*time.Minute)

	vip.SetDefault("email.from", "Linkbio <security@linkbio.local>")

	vip.SetDefault("gatekeeper.protected_prefixes", []string{
		"/dashboard", "/settings", "/admin", "/onboarding", "/ws",
		"/api/linked-accounts", "/api/unlink-account", "/api/process-link",
		"/api/link", "/api/onboarding", "/api/admin", "/auth/link",
	})
	vip.SetDefault("gatekeeper.login_paths", []string{"/login", "/register", "/auth/signin"})
	vip.SetDefault("gatekeeper.landing_path", "/dashboard")
	vip.SetDefault("gatekeeper.login_path", "/login")
	vip.SetDefault("gatekeeper.onboarding_path", "/onboarding")
	vip.SetDefault("gatekeeper.banned_path", "/banned")
	vip.SetDefault("gatekeeper.signout_path", "/auth/signout")

	vip.SetDefault("websocket.ping.interval", 30)
	vip.SetDefault("websocket.ping.timeout", 60)
	vip.SetDefault("websocket.limits.max_message_size", 4096)
	vip.SetDefault("websocket.limits.write_wait", 10)
	vip.SetDefault("websocket.limits.client_send_buffer", 16)
	vip.SetDefault("websocket.cluster.user_events_channel", "user_events")
	vip.SetDefault("websocket.cluster.invalidation_channel", "session_invalidation")

	vip.SetDefault("metrics.enabled", true)
	vip.SetDefault("metrics.path", "/metrics")
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	vip := viper.New() // Используем новый экземпляр Viper, чтобы избежать глобального состояния

	setDefaults(vip)

	// Привязываем переменные окружения ЯВНО
	vip.BindEnv("server.port", "SERVER_PORT")
	vip.BindEnv("server.public_url", "SERVER_PUBLIC_URL")

	vip.BindEnv("database.host", "DATABASE_HOST")
	vip.BindEnv("database.port", "DATABASE_PORT")
	vip.BindEnv("database.user", "DATABASE_USER")
	vip.BindEnv("database.password", "DATABASE_PASSWORD")
	vip.BindEnv("database.dbname", "DATABASE_DBNAME")
	vip.BindEnv("database.sslmode", "DATABASE_SSLMODE")

	vip.BindEnv("redis.mode", "REDIS_MODE")
	vip.BindEnv("redis.addrs", "REDIS_ADDRS")
	vip.BindEnv("redis.addr", "REDIS_ADDR")
	vip.BindEnv("redis.password", "REDIS_PASSWORD")
	vip.BindEnv("redis.db", "REDIS_DB")
	vip.BindEnv("redis.master_name", "REDIS_MASTER_NAME")

	vip.BindEnv("session.secret", "SESSION_SECRET")
	vip.BindEnv("session.secure_cookie", "SESSION_SECURE_COOKIE")
	vip.BindEnv("session.ban_check_mode", "SESSION_BAN_CHECK_MODE")

	vip.BindEnv("linking.token_ttl_minutes", "LINKING_TOKEN_TTL_MINUTES")
	vip.BindEnv("linking.quiescence_ms", "LINKING_QUIESCENCE_MS")

	vip.BindEnv("oauth.github.client_id", "OAUTH_GITHUB_CLIENT_ID")
	vip.BindEnv("oauth.github.client_secret", "OAUTH_GITHUB_CLIENT_SECRET")
	vip.BindEnv("oauth.google.client_id", "OAUTH_GOOGLE_CLIENT_ID")
	vip.BindEnv("oauth.google.client_secret", "OAUTH_GOOGLE_CLIENT_SECRET")

	vip.BindEnv("email.resend_api_key", "RESEND_API_KEY")
	vip.BindEnv("email.from", "EMAIL_FROM")

	vip.BindEnv("websocket.cluster.enabled", "WEBSOCKET_CLUSTER_ENABLED")
	vip.BindEnv("metrics.enabled", "METRICS_ENABLED")

	if configPath != "" {
		vip.SetConfigFile(configPath)
		// Файл не обязателен: есть BindEnv и значения по умолчанию
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				log.Printf("Файл конфигурации '%s' не найден, используются переменные окружения/умолчания.", configPath)
			} else {
				log.Printf("Предупреждение: не удалось прочитать файл конфигурации '%s': %v", configPath, err)
			}
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// REDIS_ADDRS приходит одной строкой через запятую
	if len(cfg.Redis.Addrs) == 1 && strings.Contains(cfg.Redis.Addrs[0], ",") {
		cfg.Redis.Addrs = strings.Split(cfg.Redis.Addrs[0], ",")
	}

	if os.Getenv("GIN_MODE") != "release" {
		log.Printf("--- Загруженные значения конфигурации ---")
		log.Printf("Database Host: %s", cfg.Database.Host)
		log.Printf("Database Name: %s", cfg.Database.DBName)
		log.Printf("Redis Mode: %s", cfg.Redis.Mode)
		log.Printf("Session Secret Set: %t", cfg.Session.Secret != "")
		log.Printf("Session Ban Check Mode: %s", cfg.Session.BanCheckMode)
		log.Printf("Linking Token TTL: %s", cfg.Linking.TokenTTL())
		log.Printf("Linking Quiescence: %s", cfg.Linking.Quiescence())
		log.Printf("OAuth GitHub Configured: %t", cfg.OAuth.GitHub.ClientID != "")
		log.Printf("OAuth Google Configured: %t", cfg.OAuth.Google.ClientID != "")
		log.Printf("Resend Configured: %t", cfg.Email.ResendAPIKey != "")
		log.Printf("Server Port: %s", cfg.Server.Port)
		log.Printf("-----------------------------------------")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("session secret must be at least 32 characters (check SESSION_SECRET env var)")
	}
	if c.Database.Host == "" || c.Database.DBName == "" || c.Database.User == "" {
		return fmt.Errorf("database configuration (host, dbname, user) is incomplete in config (check DATABASE_HOST, DATABASE_DBNAME, DATABASE_USER env vars)")
	}
	if c.Session.BanCheckMode != BanCheckFresh && c.Session.BanCheckMode != BanCheckToken {
		return fmt.Errorf("unsupported session.ban_check_mode %q (expected %q or %q)", c.Session.BanCheckMode, BanCheckFresh, BanCheckToken)
	}
	if c.Linking.TokenTTLMinutes <= 0 || c.Linking.TokenTTLMinutes > 60 {
		return fmt.Errorf("linking.token_ttl_minutes must be in 1..60, got %d", c.Linking.TokenTTLMinutes)
	}
	if c.Linking.QuiescenceMs < 0 {
		return fmt.Errorf("linking.quiescence_ms must not be negative")
	}
	return nil
}
