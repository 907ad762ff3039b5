//go:build !linux && !darwin

package sysproxy

import (
	"context"
	"fmt"
	"runtime"

	"mullproxy/internal/core/types"
	pkgerrors "mullproxy/pkg/errors"
)

func enableCommands(ctx context.Context, run Runner, cfg *types.ProxyConfig) ([][]string, error) {
	return nil, fmt.Errorf("%s: %w", runtime.GOOS, pkgerrors.ErrUnsupportedPlatform)
}

func disableCommands(ctx context.Context, run Runner) ([][]string, error) {
	return nil, fmt.Errorf("%s: %w", runtime.GOOS, pkgerrors.ErrUnsupportedPlatform)
}
