package notify

import (
	"context"

	"github.com/gen2brain/beeep"
)

// DesktopBackend shows notifications through the OS notification service.
type DesktopBackend struct {
	Icon string
}

// NewDesktopBackend creates a DesktopBackend.
func NewDesktopBackend(icon string) *DesktopBackend {
	return &DesktopBackend{Icon: icon}
}

func (b *DesktopBackend) Create(ctx context.Context, id string, n Notification) error {
	return beeep.Notify(n.Title, n.Message, b.Icon)
}

// Clear is a no-op: desktop notifications expire on their own and the
// notification service offers no handle to withdraw them.
func (b *DesktopBackend) Clear(ctx context.Context, id string) error {
	return nil
}
