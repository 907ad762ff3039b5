package core

import (
	"context"
	"fmt"

	"mullproxy/internal/core/types"
)

// Request describes an outgoing request seen by the interception surface.
type Request struct {
	URL          string
	Host         string
	DocumentHost string
}

// RequestHandler returns the proxy for a request, or nil to go direct.
type RequestHandler func(req Request) *types.ProxyConfig

// Registration is what a Registrar installs into the networking layer.
type Registration struct {
	Config *types.ProxyConfig
	// Resolve is consulted per request by interception variants.
	Resolve RequestHandler
	// OnError is called out of band when the registered proxy fails.
	OnError func(err error)
}

// Registrar installs a proxy into the networking layer
type Registrar interface {
	Register(ctx context.Context, reg Registration) error
	// Unregister must not return before the networking layer is clean.
	Unregister(ctx context.Context) error
}

// InterceptionAPI is a networking surface that asks a callback per request.
type InterceptionAPI interface {
	AddRequestListener(fn RequestHandler)
	RemoveRequestListener()
	AddErrorListener(fn func(err error))
	RemoveErrorListener()
}

// DeclarativeAPI is a networking surface that takes a static fixed-server rule.
type DeclarativeAPI interface {
	SetFixedServer(ctx context.Context, cfg *types.ProxyConfig) error
	Clear(ctx context.Context) error
	AddErrorListener(fn func(err error))
	RemoveErrorListener()
}

// NewRegistrar selects the registration strategy for an engine. The choice is
// made once at startup.
func NewRegistrar(engine types.Engine, interception InterceptionAPI, declarative DeclarativeAPI) (Registrar, error) {
	switch engine {
	case types.EngineFirefox:
		if interception == nil {
			return nil, fmt.Errorf("engine %s requires an interception surface", engine)
		}
		return &InterceptRegistrar{api: interception}, nil
	case types.EngineChromium:
		if declarative == nil {
			return nil, fmt.Errorf("engine %s requires a declarative surface", engine)
		}
		return &DeclarativeRegistrar{api: declarative}, nil
	default:
		return nil, fmt.Errorf("unsupported engine: %s", engine)
	}
}

// InterceptRegistrar registers a per-request listener.
type InterceptRegistrar struct {
	api InterceptionAPI
}

func (r *InterceptRegistrar) Register(ctx context.Context, reg Registration) error {
	if reg.Resolve == nil {
		return fmt.Errorf("interception registration requires a request handler")
	}
	if reg.OnError != nil {
		r.api.AddErrorListener(reg.OnError)
	}
	r.api.AddRequestListener(reg.Resolve)
	return nil
}

func (r *InterceptRegistrar) Unregister(ctx context.Context) error {
	r.api.RemoveErrorListener()
	r.api.RemoveRequestListener()
	return nil
}

// DeclarativeRegistrar sets a global fixed-server rule.
type DeclarativeRegistrar struct {
	api DeclarativeAPI
}

func (r *DeclarativeRegistrar) Register(ctx context.Context, reg Registration) error {
	if err := r.api.SetFixedServer(ctx, reg.Config); err != nil {
		return fmt.Errorf("failed to set proxy settings: %w", err)
	}
	if reg.OnError != nil {
		r.api.AddErrorListener(reg.OnError)
	}
	return nil
}

func (r *DeclarativeRegistrar) Unregister(ctx context.Context) error {
	r.api.RemoveErrorListener()
	if err := r.api.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear proxy settings: %w", err)
	}
	return nil
}
