// internal/config/config.go
package config

import (
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Storage  StorageConfig
	Staging  StagingConfig
	Pipeline PipelineConfig
	Server   ServerConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Log      LogConfig
}

// StorageConfig selects and configures the object store driver.
type StorageConfig struct {
	Driver    string // s3, minio or local
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	LocalRoot string
}

type StagingConfig struct {
	DownloadDir string
	UploadDir   string
	KeepFiles   bool
}

type PipelineConfig struct {
	MaxConcurrentUnits int    // 0 means one goroutine per object with no limit
	FrameWorkers       int    // 0 means runtime.NumCPU()
	DestinationKey     string // partition or source
	ChunkSize          int
}

type ServerConfig struct {
	Port           string
	Mode           string
	ReadTimeout    int
	WriteTimeout   int
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Enabled  bool
	Driver   string // postgres (lib/pq) or pgx
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	MaxConcurrentTx int // transactions in flight at once; unit ledger writes share the pool
}

type CacheConfig struct {
	Enabled         bool
	RedisURL        string
	RedisHost       string
	RedisPort       string
	RedisPassword   string
	RedisDB         int
	BatchTTLSeconds int
}

type LogConfig struct {
	Level  string
	Format string
}

var (
	once     sync.Once
	instance *Config
)

func Load() *Config {
	once.Do(func() {
		// Load .env file if it exists
		_ = godotenv.Load()

		instance = load(viper.GetViper())
	})

	return instance
}

func load(v *viper.Viper) *Config {
	setDefaults(v)

	// Read from environment variables
	v.AutomaticEnv()

	return &Config{
		Storage: StorageConfig{
			Driver:    strings.ToLower(v.GetString("STORAGE_DRIVER")),
			Endpoint:  v.GetString("STORAGE_ENDPOINT"),
			AccessKey: v.GetString("STORAGE_ACCESS_KEY"),
			SecretKey: v.GetString("STORAGE_SECRET_KEY"),
			Region:    v.GetString("STORAGE_REGION"),
			UseSSL:    v.GetBool("STORAGE_USE_SSL"),
			LocalRoot: v.GetString("STORAGE_LOCAL_ROOT"),
		},
		Staging: StagingConfig{
			DownloadDir: v.GetString("STAGING_DOWNLOAD_DIR"),
			UploadDir:   v.GetString("STAGING_UPLOAD_DIR"),
			KeepFiles:   v.GetBool("STAGING_KEEP_FILES"),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentUnits: v.GetInt("PIPELINE_MAX_UNITS"),
			FrameWorkers:       v.GetInt("PIPELINE_FRAME_WORKERS"),
			DestinationKey:     strings.ToLower(v.GetString("PIPELINE_DESTINATION_KEY")),
			ChunkSize:          v.GetInt("PIPELINE_CHUNK_SIZE"),
		},
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			Mode:           v.GetString("SERVER_MODE"),
			ReadTimeout:    v.GetInt("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetInt("SERVER_WRITE_TIMEOUT"),
			AllowedOrigins: v.GetStringSlice("SERVER_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Enabled:  v.GetBool("DATABASE_ENABLED"),
			Driver:   v.GetString("DB_DRIVER"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),

			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			MaxConcurrentTx: v.GetInt("DB_MAX_CONCURRENT_TX"),
		},
		Cache: CacheConfig{
			Enabled:         v.GetBool("CACHE_ENABLED"),
			RedisURL:        v.GetString("REDIS_URL"),
			RedisHost:       v.GetString("REDIS_HOST"),
			RedisPort:       v.GetString("REDIS_PORT"),
			RedisPassword:   v.GetString("REDIS_PASSWORD"),
			RedisDB:         v.GetInt("REDIS_DB"),
			BatchTTLSeconds: v.GetInt("CACHE_BATCH_TTL_SECONDS"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORAGE_DRIVER", "s3")
	v.SetDefault("STORAGE_ENDPOINT", "")
	v.SetDefault("STORAGE_ACCESS_KEY", "")
	v.SetDefault("STORAGE_SECRET_KEY", "")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("STORAGE_USE_SSL", true)
	v.SetDefault("STORAGE_LOCAL_ROOT", "./data/buckets")
	v.SetDefault("STAGING_DOWNLOAD_DIR", "test-data/downloads")
	v.SetDefault("STAGING_UPLOAD_DIR", "test-data/uploads")
	v.SetDefault("STAGING_KEEP_FILES", false)
	v.SetDefault("PIPELINE_MAX_UNITS", 0)
	v.SetDefault("PIPELINE_FRAME_WORKERS", 0)
	v.SetDefault("PIPELINE_DESTINATION_KEY", "partition")
	v.SetDefault("PIPELINE_CHUNK_SIZE", 2500)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_MODE", "debug")
	v.SetDefault("SERVER_READ_TIMEOUT", 30)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 900)
	v.SetDefault("SERVER_ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("DATABASE_ENABLED", false)
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "dicom_compressor")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_MAX_CONCURRENT_TX", 10)
	v.SetDefault("CACHE_ENABLED", false)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_HOST", "127.0.0.1")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_BATCH_TTL_SECONDS", 60)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
}
