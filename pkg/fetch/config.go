// Package fetch mirrors a corpus stored in S3 (or an S3-compatible store)
// into the local download layout.
package fetch

import "errors"

// Config configures an S3 source.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. Set Endpoint and usually ForcePathStyle for
// S3-compatible stores.
type Config struct {
	Bucket string
	Prefix string

	// Region defaults to us-east-1 for AWS when nothing else resolves one.
	// No default is applied when Endpoint is set.
	Region string

	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "fetch config: " + e.Field + ": " + e.Message
}

// Sentinel errors for S3 operations.
var (
	ErrNotFound           = errors.New("object not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// Error wraps an S3 failure with the operation and object it concerned.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return "s3 " + e.Op + ": " + e.Bucket + "/" + e.Key + ": " + e.Err.Error()
	}
	return "s3 " + e.Op + ": " + e.Bucket + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
