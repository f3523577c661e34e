package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port        string
	Env         string
	APIUrl      string
	FrontendURL string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBTimeZone string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// JWT
	JWTSecret               string
	JWTAccessTokenDuration  time.Duration
	JWTRefreshTokenDuration time.Duration

	// Media S3
	MediaS3Endpoint        string
	MediaS3Region          string
	MediaS3AccessKeyID     string
	MediaS3SecretAccessKey string
	MediaS3UsePathStyle    bool
	MediaAudioBucket       string
	MediaPublicRead        bool
	MediaURLTTLMinutes     int

	// Analysis provider (Cyanite-compatible GraphQL API)
	AnalysisAPIUrl           string
	AnalysisAccessToken      string
	AnalysisWebhookSecret    string
	AnalysisRequestTimeout   time.Duration
	AnalysisRequestsPerSec   float64
	AnalysisResultMaxRetries int
	AnalysisResultRetryBase  time.Duration

	// Transcoding
	FFmpegPath        string
	FFprobePath       string
	TranscodeTimeout  time.Duration
	UploadMaxBytes    int64
	UploadScratchPath string

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// Marketing contacts API
	MarketingEnabled bool
	MarketingAPIUrl  string
	MarketingAPIKey  string
	MarketingListID  string

	// Security
	BcryptCost        int
	RateLimitRequests int
	RateLimitDuration time.Duration
	UploadMaxPerDay   int

	// CORS
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

func New() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		APIUrl:      getEnv("API_URL", "http://localhost:8080"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),

		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "songanizer"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "songanizer_db"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),
		DBTimeZone: getEnv("DB_TIMEZONE", "UTC"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// JWT
		JWTSecret:               getEnv("JWT_SECRET", "your-secret-key"),
		JWTAccessTokenDuration:  getEnvAsDuration("JWT_ACCESS_TOKEN_DURATION", "1h"),
		JWTRefreshTokenDuration: getEnvAsDuration("JWT_REFRESH_TOKEN_DURATION", "168h"),

		// Media S3
		MediaS3Endpoint:        getEnv("MEDIA_S3_ENDPOINT", ""),
		MediaS3Region:          getEnv("MEDIA_S3_REGION", "us-west-2"),
		MediaS3AccessKeyID:     getEnv("MEDIA_S3_ACCESS_KEY_ID", ""),
		MediaS3SecretAccessKey: getEnv("MEDIA_S3_SECRET_ACCESS_KEY", ""),
		MediaS3UsePathStyle:    getEnv("MEDIA_S3_USE_PATH_STYLE", "false") == "true",
		MediaAudioBucket:       getEnv("MEDIA_AUDIO_BUCKET", "songanizer"),
		MediaPublicRead:        getEnv("MEDIA_PUBLIC_READ", "false") == "true",
		MediaURLTTLMinutes:     getEnvAsInt("MEDIA_URL_TTL_MINUTES", 120),

		// Analysis provider
		AnalysisAPIUrl:           getEnv("ANALYSIS_API_URL", "https://api.cyanite.ai/graphql"),
		AnalysisAccessToken:      getEnv("ANALYSIS_ACCESS_TOKEN", ""),
		AnalysisWebhookSecret:    getEnv("ANALYSIS_WEBHOOK_SECRET", ""),
		AnalysisRequestTimeout:   getEnvAsDuration("ANALYSIS_REQUEST_TIMEOUT", "30s"),
		AnalysisRequestsPerSec:   getEnvAsFloat("ANALYSIS_REQUESTS_PER_SEC", 5),
		AnalysisResultMaxRetries: getEnvAsInt("ANALYSIS_RESULT_MAX_RETRIES", 5),
		AnalysisResultRetryBase:  getEnvAsDuration("ANALYSIS_RESULT_RETRY_BASE", "500ms"),

		// Transcoding
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		TranscodeTimeout:  getEnvAsDuration("TRANSCODE_TIMEOUT", "10m"),
		UploadMaxBytes:    int64(getEnvAsInt("UPLOAD_MAX_MB", 200)) * 1024 * 1024,
		UploadScratchPath: getEnv("UPLOAD_SCRATCH_PATH", "/data/uploads"),

		// SMTP
		SMTPHost:     getEnv("SMTP_HOST", "smtp.strato.de"),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 465),
		SMTPUsername: getEnv("SMTP_USERNAME", "hello@songanizer.com"),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "hello@songanizer.com"),
		SMTPFromName: getEnv("SMTP_FROM_NAME", "Songanizer"),

		// Marketing contacts
		MarketingEnabled: getEnv("MARKETING_ENABLED", "false") == "true",
		MarketingAPIUrl:  getEnv("MARKETING_API_URL", ""),
		MarketingAPIKey:  getEnv("MARKETING_API_KEY", ""),
		MarketingListID:  getEnv("MARKETING_LIST_ID", ""),

		// Security
		BcryptCost:        getEnvAsInt("BCRYPT_COST", 12),
		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitDuration: getEnvAsDuration("RATE_LIMIT_DURATION", "1m"),
		UploadMaxPerDay:   getEnvAsInt("UPLOAD_MAX_PER_DAY", 50),

		// CORS
		AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "https://songanizer.com"}),
		AllowedMethods: getEnvAsSlice("ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		AllowedHeaders: getEnvAsSlice("ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	if duration, err := time.ParseDuration(defaultValue); err == nil {
		return duration
	}
	return time.Hour
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, ",")
}
