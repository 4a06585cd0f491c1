package converter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"
)

const (
	convertPath = "/cool/convert-to/"

	// DefaultProbePath is answered by a healthy conversion service.
	DefaultProbePath = "/hosting/capabilities"

	// formField is the multipart field carrying the document.
	formField = "data"
)

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	// BaseURL is the service root, e.g. https://cool.example.org.
	BaseURL string

	// ProbePath is requested by Probe.
	// Default: DefaultProbePath
	ProbePath string

	// RateLimit is the maximum requests per second. Zero means unlimited.
	RateLimit float64

	// InsecureSkipVerify disables TLS verification for test deployments.
	InsecureSkipVerify bool

	// Client overrides the HTTP client.
	Client *http.Client
}

// Remote converts documents by posting them to a conversion service.
type Remote struct {
	base      *url.URL
	probePath string
	client    *http.Client
	limiter   *rate.Limiter
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("converter base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse converter base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("converter base url must be http or https: %q", raw)
	}

	client := cfg.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test deployments
		}
		// Per-request deadlines come from the caller's context.
		client = &http.Client{Transport: transport}
	}

	probePath := cfg.ProbePath
	if probePath == "" {
		probePath = DefaultProbePath
	}

	r := &Remote{base: base, probePath: probePath, client: client}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return r, nil
}

func (r *Remote) Name() string {
	return "remote"
}

func (r *Remote) endpoint(p string) string {
	u := *r.base
	u.Path = path.Join(r.base.Path, p)
	return u.String()
}

// Convert posts src as multipart field "data" and writes the response body
// to dest. dest only appears once the body has been fully received.
func (r *Remote) Convert(ctx context.Context, src, dest, format string) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	f, err := os.Open(src)
	if err != nil {
		return &ConvertError{Backend: r.Name(), Source: src, Err: err}
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(formField, filepath.Base(src))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(convertPath+format), pr)
	if err != nil {
		_ = pr.Close()
		return &ConvertError{Backend: r.Name(), Source: src, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		_ = pr.Close()
		if ctx.Err() != nil {
			return &ConvertError{Backend: r.Name(), Source: src, Err: ctx.Err()}
		}
		return &ConvertError{Backend: r.Name(), Source: src, Err: fmt.Errorf("%w: %v", ErrServiceUnavailable, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if !successStatus(resp.StatusCode) {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ConvertError{
			Backend: r.Name(),
			Source:  src,
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("%w: %s", classifyStatus(resp.StatusCode), strings.TrimSpace(string(msg))),
		}
	}

	if err := writeFileAtomic(dest, resp.Body); err != nil {
		return &ConvertError{Backend: r.Name(), Source: src, Err: err}
	}
	return nil
}

// Probe checks that the service answers its health path.
func (r *Remote) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(r.probePath), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if !successStatus(resp.StatusCode) {
		return fmt.Errorf("%w: probe status %d", ErrServiceUnavailable, resp.StatusCode)
	}
	return nil
}

func successStatus(code int) bool {
	return code >= 200 && code <= 299
}

func classifyStatus(code int) error {
	switch {
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return ErrServiceUnavailable
	default:
		return ErrRejected
	}
}

// writeFileAtomic streams r into a temp file next to dest and renames it.
func writeFileAtomic(dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".part.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
