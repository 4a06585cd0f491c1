package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/doctype"
)

// Client is the subset of the S3 API a Fetcher uses.
type Client interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher downloads corpus objects into a Layout.
type Fetcher struct {
	client Client
	cfg    Config
	layout corpus.Layout
	log    *zap.Logger
}

// Stats summarizes one Mirror call.
type Stats struct {
	Listed     int
	Downloaded int
	Skipped    int
	Ignored    int
	Bytes      int64
}

// New builds a Fetcher backed by a real S3 client.
func New(ctx context.Context, cfg Config, layout corpus.Layout, log *zap.Logger) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg, layout, log), nil
}

// NewWithClient builds a Fetcher around an existing client.
func NewWithClient(client Client, cfg Config, layout corpus.Layout, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{client: client, cfg: cfg, layout: layout, log: log}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Target maps an object key to the corpus file it becomes. ok is false
// when the key is a directory marker or its extension is not one of
// app's file types.
func Target(app doctype.Application, key string) (item doctype.WorkItem, ok bool) {
	if strings.HasSuffix(key, "/") {
		return doctype.WorkItem{}, false
	}
	name := path.Base(key)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" || !app.HasFileType(ext) {
		return doctype.WorkItem{}, false
	}
	return doctype.WorkItem{Type: ext, Name: name}, true
}

// Mirror downloads every object under the configured prefix whose extension
// belongs to app. Files already present with the same size are skipped.
func (f *Fetcher) Mirror(ctx context.Context, app doctype.Application) (Stats, error) {
	var stats Stats

	input := &s3.ListObjectsV2Input{Bucket: aws.String(f.cfg.Bucket)}
	if f.cfg.Prefix != "" {
		input.Prefix = aws.String(f.cfg.Prefix)
	}
	pages := s3.NewListObjectsV2Paginator(f.client, input)

	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return stats, f.wrapError("List", "", err)
		}
		for _, obj := range page.Contents {
			stats.Listed++
			key := aws.ToString(obj.Key)
			item, ok := Target(app, key)
			if !ok {
				stats.Ignored++
				continue
			}

			dest := f.layout.OriginalPath(item)
			size := aws.ToInt64(obj.Size)
			if info, err := os.Stat(dest); err == nil && info.Size() == size {
				stats.Skipped++
				continue
			}

			n, err := f.download(ctx, key, dest)
			if err != nil {
				return stats, err
			}
			stats.Downloaded++
			stats.Bytes += n
			f.log.Debug("Fetched object", zap.String("key", key), zap.String("item", item.String()), zap.Int64("bytes", n))
		}
	}
	return stats, nil
}

func (f *Fetcher) download(ctx context.Context, key, dest string) (int64, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, f.wrapError("GetObject", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, out.Body)
	if err != nil {
		_ = tmp.Close()
		return 0, f.wrapError("GetObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, fmt.Errorf("rename %s: %w", dest, err)
	}
	return n, nil
}

// wrapError maps S3 failures onto the package sentinels.
func (f *Fetcher) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: f.cfg.Bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		var sentinel error
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			sentinel = ErrNotFound
		case "NoSuchBucket":
			sentinel = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			sentinel = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			sentinel = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			sentinel = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			sentinel = ErrUnavailable
		}
		if sentinel != nil {
			wrapped.Err = fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return wrapped
}
