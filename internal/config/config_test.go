package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg := load(viper.New())

	if cfg.Storage.Driver != "s3" {
		t.Errorf("Storage.Driver = %q, want s3", cfg.Storage.Driver)
	}
	if cfg.Staging.DownloadDir != "test-data/downloads" || cfg.Staging.UploadDir != "test-data/uploads" {
		t.Errorf("unexpected staging dirs: %+v", cfg.Staging)
	}
	if cfg.Pipeline.DestinationKey != "partition" {
		t.Errorf("Pipeline.DestinationKey = %q, want partition", cfg.Pipeline.DestinationKey)
	}
	if cfg.Pipeline.ChunkSize != 2500 {
		t.Errorf("Pipeline.ChunkSize = %d, want 2500", cfg.Pipeline.ChunkSize)
	}
	if cfg.Database.Enabled || cfg.Cache.Enabled {
		t.Error("database and cache should be disabled by default")
	}
	if cfg.Database.MaxOpenConns != 25 || cfg.Database.MaxConcurrentTx != 10 {
		t.Errorf("unexpected pool defaults: %+v", cfg.Database)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "MINIO")
	t.Setenv("PIPELINE_MAX_UNITS", "8")
	t.Setenv("PIPELINE_DESTINATION_KEY", "Source")
	t.Setenv("DATABASE_ENABLED", "true")
	t.Setenv("DB_DRIVER", "pgx")

	cfg := load(viper.New())

	if cfg.Storage.Driver != "minio" {
		t.Errorf("Storage.Driver = %q, want minio", cfg.Storage.Driver)
	}
	if cfg.Pipeline.MaxConcurrentUnits != 8 {
		t.Errorf("Pipeline.MaxConcurrentUnits = %d, want 8", cfg.Pipeline.MaxConcurrentUnits)
	}
	if cfg.Pipeline.DestinationKey != "source" {
		t.Errorf("Pipeline.DestinationKey = %q, want source", cfg.Pipeline.DestinationKey)
	}
	if !cfg.Database.Enabled || cfg.Database.Driver != "pgx" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
}
