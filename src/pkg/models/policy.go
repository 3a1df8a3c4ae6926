package models

// Violation is one deny message raised by a policy against a manifest
type Violation struct {
	// Resource is the manifest identity, kind/name
	Resource string
	Message  string
}

// PolicyResult represents the result of a single policy evaluation
type PolicyResult struct {
	PolicyID   string
	Status     string // "PASS", "FAIL", "ERROR"
	Violations []Violation
	Error      string
}

// EvaluationResult represents the result of evaluating every policy against a manifest set
type EvaluationResult struct {
	TotalPolicies   int
	PassedPolicies  int
	FailedPolicies  int
	ErroredPolicies int
	Resources       int
	PolicyResults   []PolicyResult
}
