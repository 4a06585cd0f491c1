// Package office drives the office application under test through a small
// lifecycle state machine and an abstract host bridge.
package office

import (
	"context"

	"github.com/3leaps/roundtrip/pkg/doctype"
)

// OpenOptions control how a document is opened. The defaults make every
// open non-interactive: a password-protected file fails on the dummy
// password instead of prompting.
type OpenOptions struct {
	ReadOnly      bool   `json:"read_only"`
	Password      string `json:"password,omitempty"`
	Visible       bool   `json:"visible"`
	Repair        bool   `json:"repair"`
	UpdateLinks   bool   `json:"update_links"`
	DisableMacros bool   `json:"disable_macros"`
}

// DefaultOpenOptions returns read-only, invisible, no-repair options with
// the dummy password "'".
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		ReadOnly:      true,
		Password:      "'",
		DisableMacros: true,
	}
}

// Host launches instances of the application.
type Host interface {
	Launch(ctx context.Context, app doctype.Application) (Session, error)
}

// Session is one running application instance.
type Session interface {
	SetAlertsSuppressed(ctx context.Context, suppressed bool) error
	Open(ctx context.Context, path string, opts OpenOptions) (Document, error)
	// Ping is a cheap liveness check of the instance.
	Ping(ctx context.Context) error
	Quit(ctx context.Context) error
}

// Document is an open document inside a Session.
type Document interface {
	ExportFixedLayout(ctx context.Context, path string) error
	// Close closes the document; discard drops any pending changes.
	Close(ctx context.Context, discard bool) error
}
