package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/relay"
	"github.com/tsarna/morsel/pkg/morsel/websockets/server"
	"go.uber.org/zap"
)

const (
	DefaultListen = ":5000"
	DefaultPath   = "/hub"
)

// Hub is a configured hub endpoint.
type Hub struct {
	Name     string
	Listen   string
	Path     string
	Listener *server.Listener
	DefRange hcl.Range
}

type HubDefinition struct {
	Disabled     bool                   `hcl:"disabled,optional"`
	Listen       *string                `hcl:"listen,optional"`
	Path         *string                `hcl:"path,optional"`
	Backplane    *string                `hcl:"backplane,optional"`
	Relay        *bool                  `hcl:"relay,optional"`
	QueueSize    *int                   `hcl:"queue_size,optional"`
	PingInterval hcl.Expression         `hcl:"ping_interval,optional"`
	ReadTimeout  hcl.Expression         `hcl:"read_timeout,optional"`
	WriteTimeout hcl.Expression         `hcl:"write_timeout,optional"`
	ReadLimit    *int64                 `hcl:"read_limit,optional"`
	Origins      []string               `hcl:"origins,optional"`
	Strict       *StrictDefinition      `hcl:"strict,block"`
	Middleware   []MiddlewareDefinition `hcl:"middleware,block"`
}

// StrictDefinition maps onto morsel.Options; all = true sets every flag.
type StrictDefinition struct {
	All            bool `hcl:"all,optional"`
	MissingMethod  bool `hcl:"missing_method,optional"`
	InvalidMessage bool `hcl:"invalid_message,optional"`
	HandlerFault   bool `hcl:"handler_fault,optional"`
	RemoteFault    bool `hcl:"remote_fault,optional"`
}

func (s *StrictDefinition) options() morsel.Options {
	if s == nil {
		return morsel.Options{}
	}
	if s.All {
		return morsel.StrictOptions()
	}
	return morsel.Options{
		StrictMissingMethod:  s.MissingMethod,
		StrictInvalidMessage: s.InvalidMessage,
		StrictHandlerFault:   s.HandlerFault,
		StrictRemoteFault:    s.RemoteFault,
	}
}

func (c *Config) processHubBlock(block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]

	def := HubDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	if def.Disabled {
		return diags
	}

	fail := func(summary string, err error) hcl.Diagnostics {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  summary,
			Detail:   err.Error(),
			Subject:  &block.DefRange,
		})
	}

	if existing, exists := c.Hubs[name]; exists {
		return fail("Hub already defined", fmt.Errorf("hub %s is already defined at %s", name, existing.DefRange))
	}

	hub := &Hub{
		Name:     name,
		Listen:   stringOr(def.Listen, DefaultListen),
		Path:     stringOr(def.Path, DefaultPath),
		DefRange: block.DefRange,
	}

	for _, other := range c.Hubs {
		if other.Listen == hub.Listen && other.Path == hub.Path {
			return fail("Duplicate hub endpoint",
				fmt.Errorf("hub %s and hub %s both serve %s on %s", name, other.Name, hub.Path, hub.Listen))
		}
	}

	bp, err := c.backplaneFor(stringOr(def.Backplane, ""))
	if err != nil {
		return fail("Invalid backplane", err)
	}

	logger := c.Logger.With(zap.String("hub", name))

	listenerConfig := server.NewListenerConfig().
		WithLogger(logger).
		WithBackplane(bp).
		WithMethods(c.hubMethods(def.Relay == nil || *def.Relay)).
		WithOptions(def.Strict.options()).
		WithOriginPatterns(def.Origins...).
		WithMetricsProvider(c.metricsProvider).
		WithTracingProvider(c.tracingProvider)

	if def.QueueSize != nil {
		listenerConfig.WithQueueSize(*def.QueueSize)
	}
	if def.ReadLimit != nil {
		listenerConfig.WithReadLimit(*def.ReadLimit)
	}

	for _, setting := range []struct {
		expr  hcl.Expression
		apply func(d time.Duration) *server.ListenerConfig
	}{
		{def.PingInterval, listenerConfig.WithPingInterval},
		{def.ReadTimeout, listenerConfig.WithReadTimeout},
		{def.WriteTimeout, listenerConfig.WithWriteTimeout},
	} {
		if !IsExpressionProvided(setting.expr) {
			continue
		}
		d, durDiags := c.ParseDuration(setting.expr)
		diags = diags.Extend(durDiags)
		if durDiags.HasErrors() {
			return diags
		}
		setting.apply(d)
	}

	factories := make([]middleware.Factory, 0, len(def.Middleware))
	for _, m := range def.Middleware {
		factory, err := m.factory(logger)
		if err != nil {
			return fail("Invalid middleware", err)
		}
		factories = append(factories, factory)
	}
	listenerConfig.WithMiddleware(factories...)

	hub.Listener, err = listenerConfig.Build()
	if err != nil {
		return fail("Failed to create hub", err)
	}

	c.Hubs[name] = hub
	return diags
}

// hubMethods merges the relay methods with the application's own.
func (c *Config) hubMethods(withRelay bool) *morsel.MethodTable {
	methods := morsel.NewMethodTable()
	if withRelay {
		relay.Register(methods)
	}

	if c.methods != nil {
		for _, name := range c.methods.Names() {
			reg, _ := c.methods.Lookup(name)
			methods.Register(reg.Name, reg.Arity, reg.Handler)
		}
	}

	return methods
}

func stringOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
