// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/civic-points/approval"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Approval ApprovalConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Host                  string
	Port                  string
	RequestTimeoutSeconds int
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string
}

// RedisConfig holds Redis connection values. An empty Addr disables the
// Redis publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// ApprovalConfig seeds the approval chain and intake limits.
type ApprovalConfig struct {
	ComplaintRoles  []approval.Role
	WithdrawalRoles []approval.Role
	OverrideRole    approval.Role
	MinWithdrawal   int64
}

// Default hierarchies, lowest rank first.
const (
	DefaultComplaintHierarchy  = "sub_admin,admin"
	DefaultWithdrawalHierarchy = "sub_admin,admin"
)

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	minWithdrawal, err := strconv.ParseInt(getEnv("MIN_WITHDRAWAL_POINTS", "1"), 10, 64)
	if err != nil || minWithdrawal < 1 {
		return nil, fmt.Errorf("invalid MIN_WITHDRAWAL_POINTS: must be a positive integer")
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "civic-points"),
			Host:                  getEnv("APP_HOST", ""),
			Port:                  getEnv("APP_PORT", "8080"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		DB: DBConfig{
			Path: getEnv("DB_PATH", "./data/points.db"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
			Channel:  getEnv("REDIS_CHANNEL", "civic-points.decisions"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Approval: ApprovalConfig{
			ComplaintRoles:  ParseRoles(getEnv("HIERARCHY_COMPLAINT", DefaultComplaintHierarchy)),
			WithdrawalRoles: ParseRoles(getEnv("HIERARCHY_WITHDRAWAL", DefaultWithdrawalHierarchy)),
			OverrideRole:    approval.Role(getEnv("OVERRIDE_ROLE", string(approval.DefaultOverrideRole))),
			MinWithdrawal:   minWithdrawal,
		},
	}

	return cfg, nil
}

// Hierarchy returns the configured chains as a HierarchySource.
func (a ApprovalConfig) Hierarchy() approval.StaticHierarchy {
	return approval.StaticHierarchy{
		approval.KindComplaint:  a.ComplaintRoles,
		approval.KindWithdrawal: a.WithdrawalRoles,
	}
}

// ParseRoles splits a comma-separated role list, dropping blanks.
func ParseRoles(s string) []approval.Role {
	var roles []approval.Role
	for _, part := range strings.Split(s, ",") {
		if r := strings.TrimSpace(part); r != "" {
			roles = append(roles, approval.Role(r))
		}
	}
	return roles
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}
