package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
)

// Config holds the raw payload archive settings.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // optional, for S3 compatible services
	Prefix          string
}

// LoadConfig reads ARCHIVE_S3_* variables. An empty bucket disables the archive.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AccessKeyID:     env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("ARCHIVE_S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("ARCHIVE_S3_BUCKET", ""),
		EndpointURL:     env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("ARCHIVE_S3_PREFIX", "webhooks"), "/"),
	}

	if cfg.IsEnabled() {
		if cfg.AccessKeyID == "" {
			return nil, errors.New("ARCHIVE_S3_ACCESS_KEY_ID is required when the archive bucket is set")
		}
		if cfg.SecretAccessKey == "" {
			return nil, errors.New("ARCHIVE_S3_SECRET_ACCESS_KEY is required when the archive bucket is set")
		}
	}
	return cfg, nil
}

func (c *Config) IsEnabled() bool {
	return c.BucketName != ""
}

// ObjectKey places a payload under <prefix>/YYYY/MM/DD/<event id>.json.
func (c *Config) ObjectKey(eventID string, receivedAt time.Time) string {
	day := receivedAt.UTC()
	key := fmt.Sprintf("%04d/%02d/%02d/%s.json", day.Year(), day.Month(), day.Day(), eventID)
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}
