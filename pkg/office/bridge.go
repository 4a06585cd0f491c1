package office

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/pkg/doctype"
)

// Bridge operations. One JSON object per line in each direction.
const (
	opHello  = "hello"
	opAlerts = "alerts"
	opOpen   = "open"
	opExport = "export"
	opClose  = "close"
	opPing   = "ping"
	opQuit   = "quit"
)

type bridgeRequest struct {
	ID      uint64       `json:"id"`
	Op      string       `json:"op"`
	Path    string       `json:"path,omitempty"`
	Handle  string       `json:"handle,omitempty"`
	Target  string       `json:"target,omitempty"`
	Enabled *bool        `json:"enabled,omitempty"`
	Discard bool         `json:"discard,omitempty"`
	Options *OpenOptions `json:"options,omitempty"`
}

type bridgeResponse struct {
	ID     uint64 `json:"id"`
	OK     bool   `json:"ok"`
	Handle string `json:"handle,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ExecHost launches the application through a host bridge process. The
// bridge is started as Command followed by the application name and talks
// JSON lines over its stdin and stdout.
type ExecHost struct {
	// Command is the bridge argv, e.g. ["powershell", "-File", "bridge.ps1"].
	Command []string

	// Env is appended to the bridge environment.
	Env []string

	// HelloTimeout bounds the handshake after the process starts.
	// Default: 60s
	HelloTimeout time.Duration

	Log *zap.Logger
}

func (h *ExecHost) Launch(ctx context.Context, app doctype.Application) (Session, error) {
	if len(h.Command) == 0 || strings.TrimSpace(h.Command[0]) == "" {
		return nil, errors.New("bridge command is empty")
	}
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}

	args := append(append([]string{}, h.Command[1:]...), app.String())
	// The instance outlives ctx, so it is not bound to it.
	cmd := exec.Command(h.Command[0], args...)
	if len(h.Env) > 0 {
		cmd.Env = append(cmd.Environ(), h.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}

	s := &bridgeSession{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan bridgeResponse),
		done:    make(chan struct{}),
		log:     log,
	}
	go s.readLoop(stdout)

	timeout := h.HelloTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.call(hctx, bridgeRequest{Op: opHello, Target: app.String()}); err != nil {
		s.kill()
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}
	return s, nil
}

type bridgeSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan bridgeResponse
	done    chan struct{}
	exitErr error

	waitOnce sync.Once
	waitErr  error
}

func (s *bridgeSession) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var resp bridgeResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			s.log.Debug("Ignoring bridge output", zap.String("line", line))
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	close(s.done)
}

func (s *bridgeSession) call(ctx context.Context, req bridgeRequest) (bridgeResponse, error) {
	req.ID = s.nextID.Add(1)
	ch := make(chan bridgeResponse, 1)

	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	b, err := json.Marshal(req)
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("marshal %s: %w", req.Op, err)
	}
	s.writeMu.Lock()
	_, err = s.stdin.Write(append(b, '\n'))
	s.writeMu.Unlock()
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("%w: write %s: %v", ErrSessionClosed, req.Op, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			msg := resp.Error
			if msg == "" {
				msg = "rejected"
			}
			return resp, fmt.Errorf("%s: %s", req.Op, msg)
		}
		return resp, nil
	case <-s.done:
		return bridgeResponse{}, fmt.Errorf("%w: %s", ErrSessionClosed, req.Op)
	case <-ctx.Done():
		return bridgeResponse{}, ctx.Err()
	}
}

func (s *bridgeSession) SetAlertsSuppressed(ctx context.Context, suppressed bool) error {
	enabled := !suppressed
	_, err := s.call(ctx, bridgeRequest{Op: opAlerts, Enabled: &enabled})
	return err
}

func (s *bridgeSession) Open(ctx context.Context, path string, opts OpenOptions) (Document, error) {
	resp, err := s.call(ctx, bridgeRequest{Op: opOpen, Path: path, Options: &opts})
	if err != nil {
		return nil, err
	}
	return &bridgeDocument{session: s, handle: resp.Handle}, nil
}

func (s *bridgeSession) Ping(ctx context.Context) error {
	_, err := s.call(ctx, bridgeRequest{Op: opPing})
	return err
}

// Quit asks the bridge to quit the application and waits for the bridge
// process to exit. It kills the process if ctx ends first.
func (s *bridgeSession) Quit(ctx context.Context) error {
	_, callErr := s.call(ctx, bridgeRequest{Op: opQuit})
	_ = s.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- s.wait() }()

	select {
	case <-exited:
		if callErr != nil && !errors.Is(callErr, ErrSessionClosed) {
			return callErr
		}
		return nil
	case <-ctx.Done():
		s.kill()
		return ctx.Err()
	}
}

func (s *bridgeSession) wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

func (s *bridgeSession) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	go func() { _ = s.wait() }()
}

type bridgeDocument struct {
	session *bridgeSession
	handle  string
}

func (d *bridgeDocument) ExportFixedLayout(ctx context.Context, path string) error {
	_, err := d.session.call(ctx, bridgeRequest{Op: opExport, Handle: d.handle, Path: path})
	return err
}

func (d *bridgeDocument) Close(ctx context.Context, discard bool) error {
	_, err := d.session.call(ctx, bridgeRequest{Op: opClose, Handle: d.handle, Discard: discard})
	return err
}
