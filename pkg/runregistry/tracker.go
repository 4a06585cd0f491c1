package runregistry

import (
	"context"
	"os"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is how often a Tracker refreshes run.json.
const DefaultHeartbeatInterval = 30 * time.Second

// Tracker owns the record of the run executing in this process and
// serializes every write to it.
type Tracker struct {
	store *Store

	mu  sync.Mutex
	rec RunRecord
}

// Begin writes a running record for rec and returns its tracker. PID,
// CreatedAt and StartedAt are filled in when unset.
func Begin(store *Store, rec RunRecord) (*Tracker, error) {
	now := time.Now().UTC()
	if rec.RunID == "" {
		rec.RunID = NewRunID()
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.Hostname == "" {
		rec.Hostname, _ = os.Hostname()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.LastHeartbeat = &now
	rec.State = RunStateRunning

	if err := store.Write(&rec); err != nil {
		return nil, err
	}
	return &Tracker{store: store, rec: rec}, nil
}

// Record returns a copy of the current record.
func (t *Tracker) Record() RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// Update applies fn to the record and persists it.
func (t *Tracker) Update(fn func(*RunRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.rec)
	return t.store.Write(&t.rec)
}

// Finish moves the record to a terminal state.
func (t *Tracker) Finish(state RunState, counts *Counts, runErr error) error {
	return t.Update(func(r *RunRecord) {
		now := time.Now().UTC()
		r.State = state
		r.EndedAt = &now
		r.LastHeartbeat = &now
		if counts != nil {
			r.Counts = counts
		}
		if runErr != nil {
			r.Error = runErr.Error()
		}
	})
}

// StartHeartbeat refreshes LastHeartbeat, and Counts when progress is
// non-nil, every interval until ctx ends or the returned stop is called.
func (t *Tracker) StartHeartbeat(ctx context.Context, interval time.Duration, progress func() Counts) func() {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				_ = t.Update(func(r *RunRecord) {
					now := time.Now().UTC()
					r.LastHeartbeat = &now
					if progress != nil {
						c := progress()
						r.Counts = &c
					}
				})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-stopped
		})
	}
}
