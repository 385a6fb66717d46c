package config

import (
	"fmt"

	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MiddlewareDefinition is a middleware block inside a hub. Stages run in the
// order they are written.
type MiddlewareDefinition struct {
	Type  string   `hcl:",label"`
	Rate  *float64 `hcl:"rate,optional"`
	Burst *int     `hcl:"burst,optional"`
	Level *string  `hcl:"level,optional"`
}

const (
	DefaultRateLimit = 50
	DefaultBurst     = 100
)

// factory turns a middleware block into a per-connection stage factory.
func (d MiddlewareDefinition) factory(logger *zap.Logger) (middleware.Factory, error) {
	switch d.Type {
	case "base64":
		return middleware.Shared(middleware.Base64()), nil

	case "rate_limit":
		rate, burst := float64(DefaultRateLimit), DefaultBurst
		if d.Rate != nil {
			rate = *d.Rate
		}
		if d.Burst != nil {
			burst = *d.Burst
		}
		if rate <= 0 || burst <= 0 {
			return nil, fmt.Errorf("rate_limit rate and burst must be positive")
		}
		return middleware.RateLimitFactory(rate, burst, logger), nil

	case "logging":
		level := zapcore.DebugLevel
		if d.Level != nil {
			if err := level.UnmarshalText([]byte(*d.Level)); err != nil {
				return nil, fmt.Errorf("invalid logging level %q", *d.Level)
			}
		}
		return middleware.Shared(middleware.Logging(logger, level)), nil
	}

	return nil, fmt.Errorf("unknown middleware type %q (expected base64, rate_limit or logging)", d.Type)
}
