package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gh-nvat/virtest/src/pkg/models"
)

// ErrPolicyDenied is returned when a policy denies a synthesized manifest or fails to evaluate
var ErrPolicyDenied = errors.New("policy check failed")

// Reporter turns evaluation results into operator-facing messages
type Reporter struct{}

// NewReporter creates a new policy reporter
func NewReporter() *Reporter {
	return &Reporter{}
}

// Lines lists every violation as "<policy>: <kind>/<name>: <message>" and every
// errored policy as "<policy>: <error>"
func (r *Reporter) Lines(result *models.EvaluationResult) []string {
	if result == nil {
		return nil
	}
	var lines []string
	for _, pr := range result.PolicyResults {
		switch pr.Status {
		case POLICY_STATUS_FAIL:
			for _, v := range pr.Violations {
				lines = append(lines, fmt.Sprintf("%s: %s: %s", pr.PolicyID, v.Resource, v.Message))
			}
		case POLICY_STATUS_ERROR:
			lines = append(lines, fmt.Sprintf("%s: %s", pr.PolicyID, pr.Error))
		}
	}
	return lines
}

// Enforce returns ErrPolicyDenied listing every violation, or nil when all policies passed
func (r *Reporter) Enforce(result *models.EvaluationResult) error {
	lines := r.Lines(result)
	if len(lines) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d policies did not pass:\n  %s",
		ErrPolicyDenied, result.FailedPolicies+result.ErroredPolicies, result.TotalPolicies, strings.Join(lines, "\n  "))
}
