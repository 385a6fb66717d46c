package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/morsel/pkg/morsel/backplane"
	"go.uber.org/zap"
)

// BackplaneDefinition is the body of a backplane block. Backplanes naming the
// same scaleout_bus replicate group and broadcast sends to each other.
type BackplaneDefinition struct {
	ScaleoutBus   *string `hcl:"scaleout_bus,optional"`
	BusBufferSize *int    `hcl:"bus_buffer_size,optional"`
}

func (c *Config) processBackplaneBlock(block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]

	def := BackplaneDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	if _, exists := c.Backplanes[name]; exists {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Backplane already defined",
			Detail:   fmt.Sprintf("Backplane %s is already defined", name),
			Subject:  &block.DefRange,
		})
	}

	bp, err := c.newBackplane(name, def)
	if err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Failed to create backplane",
			Detail:   err.Error(),
			Subject:  &block.DefRange,
		})
	}

	c.Backplanes[name] = bp
	return diags
}

func (c *Config) newBackplane(name string, def BackplaneDefinition) (backplane.Backplane, error) {
	local, err := backplane.NewBackplane().
		WithLogger(c.Logger).
		WithName(name).
		WithMetrics(c.metricsProvider).
		WithTracing(c.tracingProvider).
		Build()
	if err != nil {
		return nil, err
	}

	if def.ScaleoutBus == nil {
		return local, nil
	}

	busName := *def.ScaleoutBus
	if busName == "" {
		return nil, fmt.Errorf("scaleout_bus must not be empty")
	}

	bus, ok := c.Buses[busName]
	if !ok {
		bufferSize := 0
		if def.BusBufferSize != nil {
			bufferSize = *def.BusBufferSize
		}
		bus = backplane.NewMemoryBus(c.Logger.With(zap.String("bus", busName)), bufferSize)
		c.Buses[busName] = bus
	}

	scaleout, err := backplane.NewScaleout(local, bus, c.Logger.With(zap.String("backplane", name)))
	if err != nil {
		return nil, err
	}
	c.scaleouts = append(c.scaleouts, scaleout)

	return scaleout, nil
}

// backplaneFor returns the named backplane, creating the default one on first use.
func (c *Config) backplaneFor(name string) (backplane.Backplane, error) {
	if name == "" {
		name = DefaultBackplaneName
		if _, ok := c.Backplanes[name]; !ok {
			bp, err := c.newBackplane(name, BackplaneDefinition{})
			if err != nil {
				return nil, err
			}
			c.Backplanes[name] = bp
		}
	}

	bp, ok := c.Backplanes[name]
	if !ok {
		return nil, fmt.Errorf("backplane %s is not defined", name)
	}
	return bp, nil
}
