package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	mu       sync.Mutex
	converts []error
	probes   []error
	block    bool
	calls    int
	probed   int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Convert(ctx context.Context, src, dest, format string) error {
	b.mu.Lock()
	b.calls++
	block := b.block
	var err error
	if len(b.converts) > 0 {
		err = b.converts[0]
		b.converts = b.converts[1:]
	}
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (b *scriptedBackend) Probe(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probed++
	if len(b.probes) == 0 {
		return nil
	}
	err := b.probes[0]
	b.probes = b.probes[1:]
	return err
}

func newTestGateway(b Backend, cfg Config) *Gateway {
	g := NewGateway(b, cfg, nil)
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return g
}

var (
	errDown = errors.New("connection refused")
	errBad  = errors.New("bad document")
)

func TestGatewayFirstTryPass(t *testing.T) {
	b := &scriptedBackend{}
	res := newTestGateway(b, Config{}).Convert(context.Background(), "a.odt", "a.docx", "docx")

	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Tries)
	assert.Zero(t, b.probed)
}

func TestGatewayFileClassFailureNoRetry(t *testing.T) {
	b := &scriptedBackend{converts: []error{errBad}}
	res := newTestGateway(b, Config{ProbeAttempts: 3}).Convert(context.Background(), "a.odt", "a.docx", "docx")

	assert.False(t, res.OK)
	assert.False(t, res.Outage)
	assert.Equal(t, 1, res.Tries)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1, b.probed)
	assert.ErrorIs(t, res.Err, errBad)
}

func TestGatewayRetriesInterruptedConversion(t *testing.T) {
	interrupted := fmt.Errorf("%w: signal: killed", ErrInterrupted)
	b := &scriptedBackend{converts: []error{interrupted, nil}}
	res := newTestGateway(b, Config{ProbeAttempts: 3}).Convert(context.Background(), "a.odt", "a.docx", "docx")

	assert.True(t, res.OK)
	assert.False(t, res.Outage)
	assert.Equal(t, 2, res.Tries)
	assert.Equal(t, 2, b.calls)
	assert.Equal(t, 1, b.probed)
}

func TestGatewayRetriesAfterLateRecovery(t *testing.T) {
	b := &scriptedBackend{
		converts: []error{errDown, nil},
		probes:   []error{errDown, errDown, nil},
	}
	res := newTestGateway(b, Config{ProbeAttempts: 5}).Convert(context.Background(), "a.odt", "a.docx", "docx")

	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Tries)
	assert.Equal(t, 2, b.calls)
	assert.Equal(t, 3, b.probed)
}

func TestGatewayRetryCanStillFail(t *testing.T) {
	b := &scriptedBackend{
		converts: []error{errDown, errBad},
		probes:   []error{errDown, nil},
	}
	res := newTestGateway(b, Config{ProbeAttempts: 5}).Convert(context.Background(), "a.odt", "a.docx", "docx")

	assert.False(t, res.OK)
	assert.False(t, res.Outage)
	assert.Equal(t, 2, res.Tries)
	assert.ErrorIs(t, res.Err, errBad)
}

func TestGatewayOutage(t *testing.T) {
	b := &scriptedBackend{
		converts: []error{errDown},
		probes:   []error{errDown, errDown, errDown},
	}
	res := newTestGateway(b, Config{ProbeAttempts: 3}).Convert(context.Background(), "a.odt", "a.docx", "docx")

	assert.False(t, res.OK)
	assert.True(t, res.Outage)
	assert.Equal(t, 1, res.Tries)
	assert.Equal(t, 1, b.calls)
	assert.True(t, IsOutage(res.Err))
	assert.ErrorIs(t, res.Err, errDown)
}

func TestGatewayHardTimeout(t *testing.T) {
	b := &scriptedBackend{block: true}
	g := newTestGateway(b, Config{Timeout: 20 * time.Millisecond, ProbeAttempts: 1})

	start := time.Now()
	res := g.Convert(context.Background(), "slow.odt", "slow.docx", "docx")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.OK)
	assert.True(t, IsTimeout(res.Err))
	assert.False(t, res.Outage)
}

func TestGatewayParentCancelSkipsProbe(t *testing.T) {
	b := &scriptedBackend{block: true}
	g := newTestGateway(b, Config{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := g.Convert(ctx, "a.odt", "a.docx", "docx")

	assert.False(t, res.OK)
	assert.Zero(t, b.probed)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestWriteFileAtomic(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "out.docx")
	require.NoError(t, writeFileAtomic(dest, stringsReader("payload")))

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
