// Package config builds MorseL hubs from HCL configuration files.
//
// A configuration is made of const, backplane and hub blocks:
//
//	const {
//	  port = 5000
//	}
//
//	backplane "main" {
//	  scaleout_bus = "cluster"
//	}
//
//	hub "chat" {
//	  listen    = ":${port}"
//	  path      = "/chat"
//	  backplane = "main"
//
//	  strict {
//	    missing_method = true
//	  }
//
//	  middleware "base64" {}
//	}
//
// Expressions can use constants, a set of functions and the process
// environment as env.NAME.
package config

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/backplane"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

// DefaultBackplaneName is used by hubs that do not name a backplane.
const DefaultBackplaneName = "default"

type ConfigBuilder struct {
	logger          *zap.Logger
	sources         []any
	methods         *morsel.MethodTable
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Backplanes map[string]backplane.Backplane
	Buses      map[string]*backplane.MemoryBus
	Hubs       map[string]*Hub

	methods         *morsel.MethodTable
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
	scaleouts       []*backplane.Scaleout
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithSources adds configuration files, directories or literal []byte
// configuration.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithMethods adds application hub methods to every configured hub. They
// take precedence over relay methods of the same name.
func (cb *ConfigBuilder) WithMethods(methods *morsel.MethodTable) *ConfigBuilder {
	cb.methods = methods
	return cb
}

func (cb *ConfigBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *ConfigBuilder {
	cb.metricsProvider = provider
	return cb
}

func (cb *ConfigBuilder) WithTracingProvider(provider o11y.TracingProvider) *ConfigBuilder {
	cb.tracingProvider = provider
	return cb
}

// Build parses every source and constructs the backplanes and hub listeners.
// Intent buses are created stopped; call Config.Start before serving.
func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config := &Config{
		Logger:          logger,
		Functions:       GetFunctions(),
		Constants:       make(map[string]cty.Value),
		Backplanes:      make(map[string]backplane.Backplane),
		Buses:           make(map[string]*backplane.MemoryBus),
		Hubs:            make(map[string]*Hub),
		methods:         cb.methods,
		metricsProvider: cb.metricsProvider,
		tracingProvider: cb.tracingProvider,
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()
	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	// Constants first, then backplanes, then the hubs that refer to them.
	for _, blockType := range []string{"const", "backplane", "hub"} {
		for _, block := range blocks {
			if block.Type != blockType {
				continue
			}
			diags = diags.Extend(config.processBlock(block))
		}
		if diags.HasErrors() {
			return nil, diags
		}
	}

	return config, diags
}

func (c *Config) processBlock(block *hcl.Block) hcl.Diagnostics {
	switch block.Type {
	case "const":
		return c.processConstBlock(block)
	case "backplane":
		return c.processBackplaneBlock(block)
	case "hub":
		return c.processHubBlock(block)
	}

	return hcl.Diagnostics{
		&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unknown block type",
			Detail:   fmt.Sprintf("Unknown block type: %s", block.Type),
			Subject:  &block.DefRange,
		},
	}
}

func (c *Config) processConstBlock(block *hcl.Block) hcl.Diagnostics {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return diags
	}

	// Attributes come back as a map; evaluate in source order so later
	// constants can refer to earlier ones.
	ordered := make([]*hcl.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		ordered = append(ordered, attr)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Range.Start.Byte < ordered[j].Range.Start.Byte
	})

	for _, attr := range ordered {
		if _, exists := c.Constants[attr.Name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Constant already defined",
				Detail:   fmt.Sprintf("Constant %s is already defined", attr.Name),
				Subject:  &attr.NameRange,
			})
			continue
		}

		val, valDiags := attr.Expr.Value(c.evalCtx)
		diags = diags.Extend(valDiags)
		if valDiags.HasErrors() {
			continue
		}
		c.Constants[attr.Name] = val
	}

	return diags
}

// Start starts every intent bus.
func (c *Config) Start() error {
	for name, bus := range c.Buses {
		if err := bus.Start(); err != nil {
			return fmt.Errorf("failed to start intent bus %s: %w", name, err)
		}
	}
	return nil
}

// Stop detaches scale-out backplanes and stops every intent bus.
func (c *Config) Stop() error {
	for _, s := range c.scaleouts {
		s.Close()
	}
	for name, bus := range c.Buses {
		if err := bus.Stop(); err != nil {
			return fmt.Errorf("failed to stop intent bus %s: %w", name, err)
		}
	}
	return nil
}
