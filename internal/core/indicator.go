package core

import (
	"log/slog"
	"sync"

	"mullproxy/internal/core/types"
)

// Indicator is the toolbar icon and badge.
type Indicator interface {
	SetIcon(icon types.Icon)
	SetBadge(text string)
}

// StatusIndicator keeps the icon and badge state in memory and logs changes.
type StatusIndicator struct {
	logger *slog.Logger

	mu    sync.RWMutex
	icon  types.Icon
	badge string
}

// NewStatusIndicator creates an unlocked indicator with no badge.
func NewStatusIndicator(logger *slog.Logger) *StatusIndicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusIndicator{logger: logger, icon: types.IconUnlocked}
}

func (s *StatusIndicator) SetIcon(icon types.Icon) {
	s.mu.Lock()
	changed := s.icon != icon
	s.icon = icon
	s.mu.Unlock()

	if changed {
		s.logger.Debug("icon changed", "icon", icon)
	}
}

func (s *StatusIndicator) SetBadge(text string) {
	s.mu.Lock()
	changed := s.badge != text
	s.badge = text
	s.mu.Unlock()

	if changed {
		s.logger.Debug("badge changed", "badge", text)
	}
}

// Icon returns the current icon.
func (s *StatusIndicator) Icon() types.Icon {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.icon
}

// Badge returns the current badge text.
func (s *StatusIndicator) Badge() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.badge
}
