package s3archive

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds S3 archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
	// CreateBucket allows creating a missing bucket on startup (dev only).
	CreateBucket bool
}

// Validate checks the required fields of an enabled archive.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AccessKeyID == "" {
		return errors.New("S3_ACCESS_KEY_ID is required when S3 archiving is enabled")
	}
	if c.SecretAccessKey == "" {
		return errors.New("S3_SECRET_ACCESS_KEY is required when S3 archiving is enabled")
	}
	if c.BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required when S3 archiving is enabled")
	}
	return nil
}

// IsEnabled returns true if S3 archiving is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey generates a standardized S3 object key for a webhook payload.
// Format: webhooks/YYYY/MM/DD/<request id>.json
func ObjectKey(requestID string, receivedAt time.Time) string {
	t := receivedAt.UTC()
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return fmt.Sprintf("webhooks/%04d/%02d/%02d/%s.json", t.Year(), int(t.Month()), t.Day(), sanitizeKeyPart(requestID))
}

func sanitizeKeyPart(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
