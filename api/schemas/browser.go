package schemas

import (
	"context"
	"time"
)

// -- Browser Session Provider Contracts --
// The orchestration core treats the browser purely as a resource with
// acquire/release semantics. How stealth is implemented is the provider's
// business.

// SessionMode selects the hardening level for an acquired session.
type SessionMode string

const (
	// ModePlain is an unhardened browser page.
	ModePlain SessionMode = "plain"
	// ModeStealth applies automation-detection evasions before the page is
	// handed out.
	ModeStealth SessionMode = "stealth"
)

// SessionOptions configures a single Acquire call.
type SessionOptions struct {
	Mode SessionMode
	// AcquireTimeout bounds how long Acquire may block waiting for pool
	// capacity. Zero means the provider's configured default.
	AcquireTimeout time.Duration
}

// ProviderStats is a point-in-time snapshot of pool accounting.
type ProviderStats struct {
	ActiveSessions int `json:"active_sessions"`
	ActivePages    int `json:"active_pages"`
}

// FrameRef identifies the rendering context an operation targets. The zero
// value means the top-level document; a non-empty Selector addresses the
// iframe matched by that selector.
type FrameRef struct {
	Selector string
}

// Top returns a FrameRef for the top-level document.
func Top() FrameRef { return FrameRef{} }

// IsTop reports whether the ref addresses the top-level document.
func (f FrameRef) IsTop() bool { return f.Selector == "" }

// Session is one pooled browser page. All blocking operations honor the
// passed context; implementations must not block indefinitely.
type Session interface {
	ID() string

	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector string, text string) error
	SelectOption(ctx context.Context, selector string, value string) error
	Upload(ctx context.Context, selector string, path string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// Exists reports whether a selector matches inside the given frame.
	// Challenge widgets frequently render inside an embedded frame, so
	// detection must be able to address either context explicitly.
	Exists(ctx context.Context, frame FrameRef, selector string) (bool, error)
	// ReadValue returns the current value of a form control in the given
	// frame. Used to verify injected state rather than assuming success.
	ReadValue(ctx context.Context, frame FrameRef, selector string) (string, error)
	// SetValue writes a form control's value directly in the given frame.
	SetValue(ctx context.Context, frame FrameRef, selector string, value string) error
	// Attribute returns an element attribute and whether it was present.
	Attribute(ctx context.Context, frame FrameRef, selector string, name string) (string, bool, error)

	CurrentURL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)

	Close(ctx context.Context) error
}

// SessionProvider hands out pooled, possibly stealth-hardened browser pages.
type SessionProvider interface {
	Acquire(ctx context.Context, opts SessionOptions) (Session, error)
	Release(ctx context.Context, session Session) error
	Stats() ProviderStats
	Shutdown(ctx context.Context) error
}
