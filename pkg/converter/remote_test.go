package converter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}

func writeSource(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestRemoteConvertPostsMultipart(t *testing.T) {
	var gotField, gotName, gotBody, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		file, header, err := r.FormFile("data")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = file.Close() }()
		b, _ := io.ReadAll(file)
		gotField = "data"
		gotName = header.Filename
		gotBody = string(b)
		_, _ = w.Write([]byte("converted:" + gotBody))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	src := writeSource(t, "letter.odt", "hello")
	dest := filepath.Join(t.TempDir(), "letter.docx")
	require.NoError(t, r.Convert(context.Background(), src, dest, "docx"))

	assert.Equal(t, "/cool/convert-to/docx", gotPath)
	assert.Equal(t, "data", gotField)
	assert.Equal(t, "letter.odt", gotName)
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "converted:hello", string(b))
}

func TestRemoteConvertClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"server error", http.StatusBadGateway, func(err error) bool { return !IsRejected(err) }},
		{"client error", http.StatusBadRequest, IsRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			r, err := NewRemote(RemoteConfig{BaseURL: srv.URL})
			require.NoError(t, err)

			dest := filepath.Join(t.TempDir(), "x.docx")
			err = r.Convert(context.Background(), writeSource(t, "x.doc", "x"), dest, "docx")
			require.Error(t, err)
			var ce *ConvertError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.status, ce.Status)
			assert.True(t, tt.check(err))
			assert.NoFileExists(t, dest)
		})
	}
}

func TestRemoteConvertAcceptsAny2xx(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusAccepted} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(status)
				_, _ = w.Write([]byte("out"))
			}))
			defer srv.Close()

			r, err := NewRemote(RemoteConfig{BaseURL: srv.URL})
			require.NoError(t, err)

			dest := filepath.Join(t.TempDir(), "x.docx")
			require.NoError(t, r.Convert(context.Background(), writeSource(t, "x.doc", "x"), dest, "docx"))
			b, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, "out", string(b))
		})
	}
}

func TestRemoteProbe(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultProbePath || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"convert-to":{"available":true}}`))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Probe(context.Background()), ErrServiceUnavailable)
	healthy.Store(true)
	assert.NoError(t, r.Probe(context.Background()))
}

func TestNewRemoteValidatesURL(t *testing.T) {
	_, err := NewRemote(RemoteConfig{})
	assert.Error(t, err)
	_, err = NewRemote(RemoteConfig{BaseURL: "ftp://example.org"})
	assert.Error(t, err)
}

// Scenario: the service fails a document but answers the first probe, so
// the failure is file-class and the document is not posted again.
func TestGatewayOverRemoteFirstProbeRecovery(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			_, _ = io.Copy(io.Discard, r.Body)
			http.Error(w, "cannot load", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	g := newTestGateway(r, Config{ProbeAttempts: 3})

	res := g.Convert(context.Background(), writeSource(t, "broken.odt", "x"), filepath.Join(t.TempDir(), "broken.docx"), "docx")
	assert.False(t, res.OK)
	assert.False(t, res.Outage)
	assert.Equal(t, 1, res.Tries)
	assert.Equal(t, int32(1), posts.Load())
}

// Scenario: the service is down for every probe, so the failure is
// outage-class after a single attempt.
func TestGatewayOverRemoteOutage(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			_, _ = io.Copy(io.Discard, r.Body)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	g := newTestGateway(r, Config{ProbeAttempts: 3, ProbeTimeout: time.Second})

	res := g.Convert(context.Background(), writeSource(t, "any.odt", "x"), filepath.Join(t.TempDir(), "any.docx"), "docx")
	assert.True(t, res.Outage)
	assert.Equal(t, 1, res.Tries)
	assert.Equal(t, int32(1), posts.Load())
}

func TestRemoteRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{BaseURL: srv.URL, RateLimit: 20})
	require.NoError(t, err)
	require.NotNil(t, r.limiter)

	src := writeSource(t, "a.odt", "a")
	dir := t.TempDir()
	start := time.Now()
	for i := range 3 {
		require.NoError(t, r.Convert(context.Background(), src, filepath.Join(dir, string(rune('a'+i))+".docx"), "docx"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
