//go:build cloudintegration

package fetch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/fetch"
	"github.com/3leaps/roundtrip/test/cloudtest"
)

func TestMirror_Moto(t *testing.T) {
	env := cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := env.NewBucket(t, ctx)
	env.SeedCorpus(t, ctx, bucket, "office/", cloudtest.Corpus{
		"word/a.docx":  []byte("docx-a"),
		"word/b.odt":   []byte("odt-b"),
		"excel/c.xlsx": []byte("xlsx-c"),
	})

	base := t.TempDir()
	f, err := fetch.New(ctx, fetch.Config{
		Bucket:          bucket,
		Prefix:          "office/",
		Region:          env.Region,
		Endpoint:        env.Endpoint,
		AccessKeyID:     cloudtest.AccessKeyID,
		SecretAccessKey: cloudtest.SecretAccessKey,
		ForcePathStyle:  true,
	}, corpus.NewLayout(base), nil)
	require.NoError(t, err)

	stats, err := f.Mirror(ctx, doctype.Word)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Listed)
	assert.Equal(t, 2, stats.Downloaded)
	assert.Equal(t, 1, stats.Ignored)

	b, err := os.ReadFile(filepath.Join(base, "docx", "a.docx"))
	require.NoError(t, err)
	assert.Equal(t, "docx-a", string(b))

	again, err := f.Mirror(ctx, doctype.Word)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Downloaded)
	assert.Equal(t, 2, again.Skipped)
}

func TestMirror_MotoMissingBucket(t *testing.T) {
	env := cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	f, err := fetch.New(ctx, fetch.Config{
		Bucket:          "roundtrip-no-such-bucket",
		Region:          env.Region,
		Endpoint:        env.Endpoint,
		AccessKeyID:     cloudtest.AccessKeyID,
		SecretAccessKey: cloudtest.SecretAccessKey,
		ForcePathStyle:  true,
	}, corpus.NewLayout(t.TempDir()), nil)
	require.NoError(t, err)

	_, err = f.Mirror(ctx, doctype.Word)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrBucketNotFound)
}
