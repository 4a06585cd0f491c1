// Package cloudtest seeds document corpora into a local S3-compatible
// endpoint (moto) for fetch integration tests.
//
// Tests using this package are tagged with //go:build cloudintegration and
// skip themselves when no endpoint answers:
//
//	func TestFetchCorpus(t *testing.T) {
//	    env := cloudtest.SkipIfUnavailable(t)
//	    bucket := env.NewBucket(t, ctx)
//	    env.SeedCorpus(t, ctx, bucket, "office/", cloudtest.Corpus{"docx/a.docx": []byte("x")})
//	}
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// Port 5555 avoids the macOS AirTunes listener on 5000.
	DefaultEndpoint = "http://localhost:5555"
	DefaultRegion   = "us-east-1"

	// moto accepts any static credentials.
	AccessKeyID     = "testing"
	SecretAccessKey = "testing"
)

// Corpus maps "<file_type>/<name>" keys, relative to a prefix, to content.
type Corpus map[string][]byte

// Env is a reachable moto endpoint.
type Env struct {
	Endpoint string
	Region   string
	Client   *s3.Client
}

// FromEnv reads MOTO_ENDPOINT and MOTO_REGION, falling back to the defaults.
func FromEnv() (Env, error) {
	env := Env{
		Endpoint: getenv("MOTO_ENDPOINT", DefaultEndpoint),
		Region:   getenv("MOTO_REGION", DefaultRegion),
	}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(env.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(AccessKeyID, SecretAccessKey, "")),
	)
	if err != nil {
		return Env{}, fmt.Errorf("load config: %w", err)
	}
	env.Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(env.Endpoint)
		o.UsePathStyle = true
	})
	return env, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Available reports whether the moto control API answers.
func (e Env) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable returns the environment or skips the test.
func SkipIfUnavailable(t *testing.T) Env {
	t.Helper()
	env, err := FromEnv()
	if err != nil {
		t.Skipf("moto client unavailable: %v", err)
	}
	if !env.Available() {
		t.Skipf("moto server not available at %s", env.Endpoint)
	}
	return env
}

// NewBucket creates a uniquely named bucket that is emptied and removed
// when the test ends.
func (e Env) NewBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := e.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { e.removeBucket(t, name) })
	return name
}

func (e Env) removeBucket(t *testing.T, bucket string) {
	ctx := context.Background()
	pages := s3.NewListObjectsV2Paginator(e.Client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := e.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("delete %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := e.Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("delete bucket %s: %v", bucket, err)
	}
}

// SeedCorpus uploads every corpus entry under prefix.
func (e Env) SeedCorpus(t *testing.T, ctx context.Context, bucket, prefix string, files Corpus) {
	t.Helper()
	for key, content := range files {
		_, err := e.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(prefix + key),
			Body:   bytes.NewReader(content),
		})
		if err != nil {
			t.Fatalf("put %s/%s: %v", bucket, prefix+key, err)
		}
	}
}
