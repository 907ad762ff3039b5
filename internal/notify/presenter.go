package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind identifies what a notification reports.
type Kind string

const (
	KindConnected     Kind = "connected"
	KindFailed        Kind = "failed"
	KindNotViaMullvad Kind = "not_via_mullvad"
	KindDisconnected  Kind = "disconnected"
)

// IsError reports whether the kind is shown in errors-only mode.
func (k Kind) IsError() bool {
	return k == KindFailed || k == KindNotViaMullvad
}

// Title returns the notification title for the kind.
func (k Kind) Title() string {
	switch k {
	case KindConnected:
		return "Connection succeeded"
	case KindFailed, KindNotViaMullvad:
		return "Connection failed"
	case KindDisconnected:
		return "Disconnected"
	default:
		return "Mullvad Proxy"
	}
}

// Notification is a single user-visible message.
type Notification struct {
	Kind    Kind
	Title   string
	Message string
}

// Backend displays and clears notifications.
type Backend interface {
	Create(ctx context.Context, id string, n Notification) error
	Clear(ctx context.Context, id string) error
}

// Preferences supplies the persisted notification flags.
type Preferences interface {
	NotificationPrefs(ctx context.Context) (enabled, errorsOnly bool, err error)
}

// Presenter shows at most one notification at a time, honouring the
// notification preferences. The previous notification is cleared through the
// Backend before a new one is created; whether it actually disappears from
// the screen depends on the backend (DesktopBackend cannot withdraw one).
type Presenter struct {
	backend Backend
	prefs   Preferences
	logger  *slog.Logger

	mu     sync.Mutex
	lastID string
}

// NewPresenter creates a Presenter. A nil logger uses slog.Default().
func NewPresenter(backend Backend, prefs Preferences, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{
		backend: backend,
		prefs:   prefs,
		logger:  logger,
	}
}

// Show displays message unless preferences suppress it, replacing the
// previously shown notification.
func (p *Presenter) Show(ctx context.Context, kind Kind, message string) {
	enabled, errorsOnly, err := p.prefs.NotificationPrefs(ctx)
	if err != nil {
		p.logger.Warn("notification preferences unavailable", "kind", kind, "err", err)
		return
	}
	if !enabled {
		return
	}
	if errorsOnly && !kind.IsError() {
		return
	}

	message = truncate(strings.TrimSpace(message), maxMessageLen)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastID != "" {
		if err := p.backend.Clear(ctx, p.lastID); err != nil {
			p.logger.Debug("failed to clear notification", "id", p.lastID, "err", err)
		}
		p.lastID = ""
	}

	id := uuid.NewString()
	n := Notification{Kind: kind, Title: kind.Title(), Message: message}
	if err := p.backend.Create(ctx, id, n); err != nil {
		p.logger.Warn("failed to show notification", "kind", kind, "err", err)
		return
	}
	p.lastID = id
}

// LastID returns the identifier of the visible notification, if any.
func (p *Presenter) LastID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastID
}

const maxMessageLen = 800

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
