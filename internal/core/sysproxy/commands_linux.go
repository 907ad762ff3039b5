package sysproxy

import (
	"context"

	"mullproxy/internal/core/types"
)

func enableCommands(ctx context.Context, run Runner, cfg *types.ProxyConfig) ([][]string, error) {
	return gnomeEnable(cfg), nil
}

func disableCommands(ctx context.Context, run Runner) ([][]string, error) {
	return gnomeDisable(), nil
}
