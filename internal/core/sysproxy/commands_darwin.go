package sysproxy

import (
	"context"

	"mullproxy/internal/core/types"
)

func enableCommands(ctx context.Context, run Runner, cfg *types.ProxyConfig) ([][]string, error) {
	services, err := networkServices(ctx, run)
	if err != nil {
		return nil, err
	}
	return networksetupEnable(services, cfg), nil
}

func disableCommands(ctx context.Context, run Runner) ([][]string, error) {
	services, err := networkServices(ctx, run)
	if err != nil {
		return nil, err
	}
	return networksetupDisable(services), nil
}
