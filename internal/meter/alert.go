package meter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// AlertRule is an optional per-meter anomaly expression compiled once at
// construction and evaluated against each usage summary. Rules see the
// summary's numeric fields and must evaluate to a boolean.
type AlertRule struct {
	source  string
	program *vm.Program
}

// CompileAlertRule compiles an expression such as
// "instantaneous_rate > 4.0 && duration_hours > 1".
func CompileAlertRule(source string) (*AlertRule, error) {
	program, err := expr.Compile(source, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile alert rule: %w", err)
	}
	return &AlertRule{source: source, program: program}, nil
}

// Source returns the original expression text.
func (r *AlertRule) Source() string {
	if r == nil {
		return ""
	}
	return r.source
}

// Evaluate runs the rule against a summary.
func (r *AlertRule) Evaluate(s Summary) (bool, error) {
	if r == nil || r.program == nil {
		return false, nil
	}
	env := map[string]interface{}{
		"total_usage":        s.TotalUsage,
		"average_rate":       s.AverageRate,
		"instantaneous_rate": s.InstantRate,
		"duration_hours":     s.DurationHours,
		"readings":           s.NumReadings,
		"last_value":         s.EndReading,
	}
	out, err := vm.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate alert rule: %w", err)
	}
	verdict, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("alert rule %q returned %T, want bool", r.source, out)
	}
	return verdict, nil
}
