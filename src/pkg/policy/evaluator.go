package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gh-nvat/virtest/src/pkg/manifest"
	"github.com/gh-nvat/virtest/src/pkg/models"
	"github.com/open-policy-agent/opa/rego"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	POLICY_STATUS_PASS  = "PASS"
	POLICY_STATUS_FAIL  = "FAIL"
	POLICY_STATUS_ERROR = "ERROR"

	POLICY_QUERY     = "data.virtest.deny"
	POLICY_EXTENSION = ".rego"
	TEST_SUFFIX      = "_test.rego"
)

var logger = log.WithFields(log.Fields{
	"package": "policy",
})

// PolicyEvaluator defines the interface for policy evaluation operations
type PolicyEvaluator interface {
	// Discover lists the policy files under policiesPath
	Discover(policiesPath string) ([]string, error)
	// Evaluate evaluates every policy under policiesPath against each manifest in index
	Evaluate(ctx context.Context, index *manifest.Index, policiesPath string) (*models.EvaluationResult, error)
}

// Evaluator handles policy evaluation
type Evaluator struct{}

// Ensure Evaluator implements PolicyEvaluator
var _ PolicyEvaluator = (*Evaluator)(nil)

// NewEvaluator creates a new policy evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Discover walks policiesPath for .rego files, skipping rego tests, in lexical order
func (e *Evaluator) Discover(policiesPath string) ([]string, error) {
	var policies []string
	err := filepath.WalkDir(policiesPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, POLICY_EXTENSION) && !strings.HasSuffix(path, TEST_SUFFIX) {
			policies = append(policies, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover policies in %s: %w", policiesPath, err)
	}
	sort.Strings(policies)
	return policies, nil
}

// Evaluate evaluates all policies against the manifests
func (e *Evaluator) Evaluate(ctx context.Context, index *manifest.Index, policiesPath string) (*models.EvaluationResult, error) {
	logger.WithField("path", policiesPath).Info("Evaluate: starting...")

	policies, err := e.Discover(policiesPath)
	if err != nil {
		return nil, err
	}

	resources := index.Ordered()
	result := &models.EvaluationResult{
		TotalPolicies: len(policies),
		Resources:     len(resources),
		PolicyResults: make([]models.PolicyResult, 0, len(policies)),
	}

	for _, path := range policies {
		id, _ := filepath.Rel(policiesPath, path)
		policyResult := e.evaluatePolicy(ctx, id, path, resources)
		result.PolicyResults = append(result.PolicyResults, policyResult)

		switch policyResult.Status {
		case POLICY_STATUS_PASS:
			result.PassedPolicies++
		case POLICY_STATUS_FAIL:
			result.FailedPolicies++
		case POLICY_STATUS_ERROR:
			result.ErroredPolicies++
		}
	}

	logger.WithFields(log.Fields{
		"passed":  result.PassedPolicies,
		"failed":  result.FailedPolicies,
		"errored": result.ErroredPolicies,
	}).Info("Evaluate: done.")
	return result, nil
}

// evaluatePolicy evaluates a single policy against all resources
func (e *Evaluator) evaluatePolicy(ctx context.Context, id, path string, resources []*unstructured.Unstructured) models.PolicyResult {
	result := models.PolicyResult{
		PolicyID:   id,
		Status:     POLICY_STATUS_PASS,
		Violations: []models.Violation{},
	}

	policyContent, err := os.ReadFile(path)
	if err != nil {
		result.Status = POLICY_STATUS_ERROR
		result.Error = fmt.Sprintf("Failed to read policy file: %v", err)
		return result
	}

	query, err := rego.New(
		rego.Query(POLICY_QUERY),
		rego.Module(id, string(policyContent)),
	).PrepareForEval(ctx)
	if err != nil {
		result.Status = POLICY_STATUS_ERROR
		result.Error = fmt.Sprintf("Failed to prepare policy: %v", err)
		return result
	}

	for _, resource := range resources {
		violations, err := evaluateResource(ctx, query, resource.Object)
		if err != nil {
			result.Status = POLICY_STATUS_ERROR
			result.Error = fmt.Sprintf("Policy evaluation failed: %v", err)
			return result
		}
		for _, v := range violations {
			result.Violations = append(result.Violations, models.Violation{
				Message:  v,
				Resource: resource.GetKind() + "/" + resource.GetName(),
			})
		}
	}

	if len(result.Violations) > 0 {
		result.Status = POLICY_STATUS_FAIL
	}
	return result
}

// evaluateResource runs the prepared deny query with the manifest as input
func evaluateResource(ctx context.Context, query rego.PreparedEvalQuery, input map[string]interface{}) ([]string, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	var violations []string
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if denySet, ok := results[0].Expressions[0].Value.([]interface{}); ok {
			for _, v := range denySet {
				if msg, ok := v.(string); ok {
					violations = append(violations, msg)
				}
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}
