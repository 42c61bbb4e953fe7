package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database    DatabaseConfig
	App         AppConfig
	API         APIConfig
	Notifier    NotifierConfig
	Prometheus  PrometheusConfig
	Security    SecurityConfig
	Performance PerformanceConfig
	Scheduler   SchedulerConfig
	Discovery   DiscoveryConfig
	Queue       QueueConfig
	Verifier    VerifierConfig
	Housekeeper HousekeeperConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// AppConfig holds general application configuration
type AppConfig struct {
	Port         int
	SourcesFile  string
	LogLevel     string
}

// APIConfig holds client-side settings for calls to the coordinator RPC
// surface; cmd/worker uses Timeout for its coordinator HTTP client.
type APIConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// NotifierConfig configures the downstream-enrichment webhook dispatcher.
type NotifierConfig struct {
	WebhookURL string
	MaxRetries int
	Timeout    time.Duration
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	MetricsPath string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORSAllowedOrigins string
	CORSAllowedMethods string
	CORSAllowedHeaders string
}

// PerformanceConfig holds performance-related configuration
type PerformanceConfig struct {
	MaxConcurrentSources int
	FetchTimeout         time.Duration
	HTTPReadTimeout      time.Duration
	HTTPWriteTimeout     time.Duration
	HTTPIdleTimeout      time.Duration
}

// SchedulerConfig configures the due-decision cadence.
type SchedulerConfig struct {
	DefaultCadence       time.Duration
	SingleDomainCadence  time.Duration
	RSSRetryWindow       time.Duration
	TickInterval         string // cron expression, e.g. "*/5 * * * *"
}

// DiscoveryConfig configures the discovery engine.
type DiscoveryConfig struct {
	RSSMissingThreshold    int
	RSSTransientThreshold  int
	RSSTransientWindow     time.Duration
	FeedCandidatePaths     []string
}

// QueueConfig configures the work-queue coordinator.
type QueueConfig struct {
	DomainCooldown      time.Duration
	MaxDomainFailures    int
	DomainPause          time.Duration
	WorkerTimeout        time.Duration
	MinDomainsPerWorker  int
	MaxDomainsPerWorker  int
	BatchSleepMulti      time.Duration
	BatchSleepSingle     time.Duration
	InterRequestMinMulti time.Duration
	InterRequestMaxMulti time.Duration
	InterRequestMinSingle time.Duration
	InterRequestMaxSingle time.Duration
	CaptchaBackoffBase   time.Duration
	CaptchaBackoffCap    time.Duration
	ReclaimSweepInterval time.Duration
}

// VerifierConfig configures the HEAD/GET probe retry policy.
type VerifierConfig struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	JitterFraction    float64
	FetchDeadline     time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HousekeeperConfig configures the daily sweep.
type HousekeeperConfig struct {
	CandidateExpiration time.Duration
	StageStuckThreshold time.Duration
	CronSchedule        string
	DryRun              bool
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "newscrawl"),
		},
		App: AppConfig{
			Port:        getEnvInt("APP_PORT", 8080),
			SourcesFile: getEnv("SOURCES_FILE", "/app/sources.txt"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		API: APIConfig{
			Timeout:   getEnvDuration("API_TIMEOUT", 30*time.Second),
			UserAgent: getEnv("API_USER_AGENT", "newscrawl/1.0"),
		},
		Notifier: NotifierConfig{
			WebhookURL: getEnv("ENRICHMENT_WEBHOOK_URL", ""),
			MaxRetries: getEnvInt("ENRICHMENT_MAX_RETRIES", 2),
			Timeout:    getEnvDuration("ENRICHMENT_TIMEOUT", 30*time.Second),
		},
		Prometheus: PrometheusConfig{
			MetricsPath: getEnv("PROMETHEUS_METRICS_PATH", "/metrics"),
		},
		Security: SecurityConfig{
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			CORSAllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			CORSAllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Performance: PerformanceConfig{
			MaxConcurrentSources: getEnvInt("MAX_CONCURRENT_SOURCES", 10),
			FetchTimeout:         getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
			HTTPReadTimeout:      getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			HTTPWriteTimeout:     getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			HTTPIdleTimeout:      getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Scheduler: SchedulerConfig{
			DefaultCadence:      getEnvDuration("DEFAULT_CADENCE", 6*time.Hour),
			SingleDomainCadence: getEnvDuration("SINGLE_DOMAIN_CADENCE", 24*time.Hour),
			RSSRetryWindow:      getEnvDuration("RSS_RETRY_WINDOW", time.Duration(getEnvInt("RSS_RETRY_WINDOW_DAYS", 30))*24*time.Hour),
			TickInterval:        getEnv("SCHEDULER_CRON", "*/5 * * * *"),
		},
		Discovery: DiscoveryConfig{
			RSSMissingThreshold:   getEnvInt("RSS_MISSING_THRESHOLD", 3),
			RSSTransientThreshold: getEnvInt("RSS_TRANSIENT_THRESHOLD", 5),
			RSSTransientWindow:    time.Duration(getEnvInt("RSS_TRANSIENT_WINDOW_DAYS", 7)) * 24 * time.Hour,
			FeedCandidatePaths:    getEnvStringSlice("FEED_CANDIDATE_PATHS", []string{"/feed", "/rss", "/rss.xml", "/feed.xml", "/atom.xml"}),
		},
		Queue: QueueConfig{
			DomainCooldown:        time.Duration(getEnvInt("DOMAIN_COOLDOWN_SECONDS", 60)) * time.Second,
			MaxDomainFailures:     getEnvInt("MAX_DOMAIN_FAILURES", 3),
			DomainPause:           time.Duration(getEnvInt("DOMAIN_PAUSE_SECONDS", 1800)) * time.Second,
			WorkerTimeout:         time.Duration(getEnvInt("WORKER_TIMEOUT_SECONDS", 600)) * time.Second,
			MinDomainsPerWorker:   getEnvInt("MIN_DOMAINS_PER_WORKER", 3),
			MaxDomainsPerWorker:   getEnvInt("MAX_DOMAINS_PER_WORKER", 5),
			BatchSleepMulti:       time.Duration(getEnvInt("BATCH_SLEEP_SECONDS", 30)) * time.Second,
			BatchSleepSingle:      time.Duration(getEnvInt("BATCH_SLEEP_SECONDS_SINGLE", 300)) * time.Second,
			InterRequestMinMulti:  time.Duration(getEnvInt("INTER_REQUEST_MIN_SECONDS", 10)) * time.Second,
			InterRequestMaxMulti:  time.Duration(getEnvInt("INTER_REQUEST_MAX_SECONDS", 30)) * time.Second,
			InterRequestMinSingle: time.Duration(getEnvInt("INTER_REQUEST_MIN_SECONDS_SINGLE", 90)) * time.Second,
			InterRequestMaxSingle: time.Duration(getEnvInt("INTER_REQUEST_MAX_SECONDS_SINGLE", 180)) * time.Second,
			CaptchaBackoffBase:    time.Duration(getEnvInt("CAPTCHA_BACKOFF_BASE", 1800)) * time.Second,
			CaptchaBackoffCap:     7200 * time.Second,
			ReclaimSweepInterval:  60 * time.Second,
		},
		Verifier: VerifierConfig{
			MaxAttempts:       3,
			BaseBackoff:       1 * time.Second,
			JitterFraction:    0.25,
			FetchDeadline:     30 * time.Second,
			RequestsPerSecond: float64(getEnvInt("VERIFIER_REQUESTS_PER_SECOND", 20)),
			Burst:             getEnvInt("VERIFIER_BURST", 20),
		},
		Housekeeper: HousekeeperConfig{
			CandidateExpiration: time.Duration(getEnvInt("CANDIDATE_EXPIRATION_DAYS", 7)) * 24 * time.Hour,
			StageStuckThreshold: 24 * time.Hour,
			CronSchedule:        getEnv("HOUSEKEEPER_CRON", "0 3 * * *"),
			DryRun:              getEnvBool("HOUSEKEEPER_DRY_RUN", false),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// GetConnectionString returns the database connection string
func (c *Config) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name)
}
