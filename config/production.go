// Package config provides configuration management and environment variable handling for the application
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProductionConfig holds all configuration for the versioning service
type ProductionConfig struct {
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Cache      CacheConfig      `json:"cache"`
	Versioning VersioningConfig `json:"versioning"`
	Monitor    MonitorConfig    `json:"monitor"`
	Admin      AdminConfig      `json:"admin"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	BodyLimit       int           `json:"body_limit"`
}

type CacheConfig struct {
	Provider    string        `json:"provider"` // redis, memory
	RedisURL    string        `json:"redis_url"`
	RedisDB     int           `json:"redis_db"`
	RedisPrefix string        `json:"redis_prefix"`
	DefaultTTL  time.Duration `json:"default_ttl"`
}

// VersioningConfig collects every tunable of the version engine in one
// place: lock TTLs and timeouts, derived-cache TTLs, and the data types the
// init verb seeds.
type VersioningConfig struct {
	DataTypes         []string      `json:"data_types"`
	BumpLockTTL       time.Duration `json:"bump_lock_ttl"`
	BumpLockTimeout   time.Duration `json:"bump_lock_timeout"`
	GlobalVersionTTL  time.Duration `json:"global_version_ttl"`
	GlobalCalcLockTTL time.Duration `json:"global_calc_lock_ttl"`
	GlobalCalcTimeout time.Duration `json:"global_calc_timeout"`
	StatsCacheTTL     time.Duration `json:"stats_cache_ttl"`
	ValidationLockTTL time.Duration `json:"validation_lock_ttl"`
	AuditInterval     time.Duration `json:"audit_interval"` // 0 disables the scheduler
}

// MonitorConfig holds thresholds and retention for operation monitoring.
type MonitorConfig struct {
	SlowThreshold      time.Duration `json:"slow_threshold"`
	ErrorRateThreshold float64       `json:"error_rate_threshold"` // 0..1
	MinSamples         uint64        `json:"min_samples"`
	TrackingTTL        time.Duration `json:"tracking_ttl"`
	MetricsTTL         time.Duration `json:"metrics_ttl"`
	IncidentTTL        time.Duration `json:"incident_ttl"`
	LookbackHours      int           `json:"lookback_hours"`
}

type AdminConfig struct {
	JWTSecret  string `json:"jwt_secret"`
	JWTIssuer  string `json:"jwt_issuer"`
	APIKeyHash string `json:"api_key_hash"` // bcrypt hash of the admin API key
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // json, console
	Output     string `json:"output"` // stdout, file, both
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Address string `json:"address"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Load environment variables from .env file
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "shopver"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:       getEnvInt("SERVER_BODY_LIMIT", 1*1024*1024), // 1MB
		},
		Cache: CacheConfig{
			Provider:    getEnvString("CACHE_PROVIDER", "redis"),
			RedisURL:    getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:     getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix: getEnvString("CACHE_REDIS_PREFIX", "shopver"),
			DefaultTTL:  getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Versioning: VersioningConfig{
			DataTypes:         getEnvStringSlice("VERSION_DATA_TYPES", []string{"products", "categories", "orders", "customers", "global"}),
			BumpLockTTL:       getEnvDuration("VERSION_BUMP_LOCK_TTL", 10*time.Second),
			BumpLockTimeout:   getEnvDuration("VERSION_BUMP_LOCK_TIMEOUT", 10*time.Second),
			GlobalVersionTTL:  getEnvDuration("VERSION_GLOBAL_TTL", 300*time.Second),
			GlobalCalcLockTTL: getEnvDuration("VERSION_GLOBAL_CALC_LOCK_TTL", 5*time.Second),
			GlobalCalcTimeout: getEnvDuration("VERSION_GLOBAL_CALC_TIMEOUT", 3*time.Second),
			StatsCacheTTL:     getEnvDuration("VERSION_STATS_TTL", 60*time.Second),
			ValidationLockTTL: getEnvDuration("VERSION_VALIDATION_LOCK_TTL", 30*time.Second),
			AuditInterval:     getEnvDuration("VERSION_AUDIT_INTERVAL", 0),
		},
		Monitor: MonitorConfig{
			SlowThreshold:      getEnvDuration("MONITOR_SLOW_THRESHOLD", 1000*time.Millisecond),
			ErrorRateThreshold: getEnvFloat("MONITOR_ERROR_RATE_THRESHOLD", 0.05),
			MinSamples:         uint64(getEnvInt("MONITOR_MIN_SAMPLES", 10)),
			TrackingTTL:        getEnvDuration("MONITOR_TRACKING_TTL", 60*time.Second),
			MetricsTTL:         getEnvDuration("MONITOR_METRICS_TTL", 1*time.Hour),
			IncidentTTL:        getEnvDuration("MONITOR_INCIDENT_TTL", 24*time.Hour),
			LookbackHours:      getEnvInt("MONITOR_LOOKBACK_HOURS", 24),
		},
		Admin: AdminConfig{
			JWTSecret:  getEnvString("ADMIN_JWT_SECRET", ""),
			JWTIssuer:  getEnvString("ADMIN_JWT_ISSUER", "shopver"),
			APIKeyHash: getEnvString("ADMIN_API_KEY_HASH", ""),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Format:     getEnvString("LOG_FORMAT", "json"),
			Output:     getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:   getEnvString("LOG_FILE_PATH", "/var/log/shopver/app.log"),
			MaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAge:     getEnvInt("LOG_MAX_AGE", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
			Address: getEnvString("METRICS_ADDRESS", ":9100"),
		},
	}

	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errs []string

	if cfg.Database.Host == "" {
		errs = append(errs, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errs = append(errs, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "DB_USER is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Cache.Provider != "redis" && cfg.Cache.Provider != "memory" {
		errs = append(errs, "CACHE_PROVIDER must be redis or memory")
	}
	if cfg.Cache.Provider == "redis" && cfg.Cache.RedisURL == "" {
		errs = append(errs, "CACHE_REDIS_URL is required for the redis provider")
	}
	if len(cfg.Versioning.DataTypes) == 0 {
		errs = append(errs, "VERSION_DATA_TYPES must name at least one data type")
	}
	if cfg.Versioning.BumpLockTTL <= 0 || cfg.Versioning.BumpLockTimeout <= 0 {
		errs = append(errs, "version bump lock TTL and timeout must be positive")
	}
	if cfg.Monitor.ErrorRateThreshold <= 0 || cfg.Monitor.ErrorRateThreshold >= 1 {
		errs = append(errs, "MONITOR_ERROR_RATE_THRESHOLD must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

func loadEnvFile() error {
	envFile := ".env"

	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		// .env file doesn't exist, continue with environment variables
		return nil
	}

	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				value := strings.TrimSpace(parts[1])

				if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
					(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
					value = value[1 : len(value)-1]
				}

				if os.Getenv(key) == "" {
					os.Setenv(key, value)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
