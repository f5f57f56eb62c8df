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

// IsExpressionProvided reports whether an optional attribute was set.
// gohcl fills absent optional expressions with an empty, zero-length one.
func IsExpressionProvided(expr hcl.Expression) bool {
	return expr != nil && expr.Range().End.Byte > expr.Range().Start.Byte
}

// ParseDuration evaluates expr as a duration. Numbers are seconds, strings
// starting with "P" are ISO 8601 durations and anything else uses Go
// duration syntax. Negative durations are rejected.
func ParseDuration(expr hcl.Expression, evalCtx *hcl.EvalContext) (time.Duration, hcl.Diagnostics) {
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return 0, diags
	}
	subject := expr.Range().Ptr()

	if val.IsNull() || !val.IsKnown() {
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration",
			Detail:   "Duration must not be null",
			Subject:  subject,
		})
	}

	switch val.Type() {
	case cty.Number:
		seconds, accuracy := val.AsBigFloat().Float64()
		if accuracy != big.Exact {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagWarning,
				Summary:  "Duration precision loss",
				Detail:   "The number provided for duration may have lost precision when converted to seconds",
				Subject:  subject,
			})
		}
		if seconds < 0 {
			return 0, diags.Append(negativeDuration(subject))
		}
		return time.Duration(seconds * float64(time.Second)), diags

	case cty.String:
		d, err := ParseDurationString(val.AsString())
		if err != nil {
			return 0, diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid duration format",
				Detail:   err.Error(),
				Subject:  subject,
			})
		}
		return d, diags

	default:
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration type",
			Detail:   fmt.Sprintf("Duration must be a number (seconds) or string, got %s", val.Type().FriendlyName()),
			Subject:  subject,
		})
	}
}

// ParseDurationString accepts ISO 8601 ("PT30S") and Go ("30s") durations.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	var d time.Duration
	if strings.HasPrefix(s, "P") {
		iso, err := duration.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("failed to parse ISO 8601 duration %q: %w", s, err)
		}
		d = iso.ToTimeDuration()
	} else {
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("failed to parse duration %q: %w. Expected a number (seconds), ISO 8601 duration (e.g., 'PT5M'), or Go duration (e.g., '5m')", s, err)
		}
	}

	if d < 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func negativeDuration(subject *hcl.Range) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Invalid duration",
		Detail:   "Duration must be positive",
		Subject:  subject,
	}
}
