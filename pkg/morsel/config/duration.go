package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/sosodev/duration"
	"github.com/zclconf/go-cty/cty"
)

// IsExpressionProvided reports whether an optional expression was actually
// written. HCL supplies a zero-length expression for omitted attributes.
func IsExpressionProvided(expr hcl.Expression) bool {
	return expr != nil && expr.Range().End.Byte > expr.Range().Start.Byte
}

// ParseDuration evaluates expr as a duration. Numbers are seconds, strings
// starting with "P" are ISO 8601 durations, and other strings use Go syntax
// ("500ms", "1m30s"). Negative durations are rejected.
func (c *Config) ParseDuration(expr hcl.Expression) (time.Duration, hcl.Diagnostics) {
	val, diags := expr.Value(c.evalCtx)
	if diags.HasErrors() {
		return 0, diags
	}

	invalid := func(summary, detail string) (time.Duration, hcl.Diagnostics) {
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  summary,
			Detail:   detail,
			Subject:  expr.Range().Ptr(),
		})
	}

	if val.IsNull() || !val.IsKnown() {
		return invalid("Invalid duration", "Duration must not be null")
	}

	var d time.Duration

	switch val.Type() {
	case cty.Number:
		seconds, accuracy := val.AsBigFloat().Float64()
		if accuracy != big.Exact {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagWarning,
				Summary:  "Duration precision loss",
				Detail:   "The number provided for duration may have lost precision when converted to seconds",
				Subject:  expr.Range().Ptr(),
			})
		}
		d = time.Duration(seconds * float64(time.Second))

	case cty.String:
		str := strings.TrimSpace(val.AsString())

		if strings.HasPrefix(str, "P") {
			parsed, err := duration.Parse(str)
			if err != nil {
				return invalid("Invalid ISO 8601 duration",
					fmt.Sprintf("Failed to parse ISO 8601 duration '%s': %v", str, err))
			}
			d = parsed.ToTimeDuration()
		} else {
			parsed, err := time.ParseDuration(str)
			if err != nil {
				return invalid("Invalid duration format",
					fmt.Sprintf("Failed to parse duration '%s': %v. Expected a number (seconds), ISO 8601 duration (e.g., 'PT5M'), or Go duration (e.g., '5m')", str, err))
			}
			d = parsed
		}

	default:
		return invalid("Invalid duration type",
			fmt.Sprintf("Duration must be a number (seconds) or string, got %s", val.Type().FriendlyName()))
	}

	if d < 0 {
		return invalid("Invalid duration", "Duration must not be negative")
	}

	return d, diags
}
