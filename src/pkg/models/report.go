package models

import "time"

// ReconcileReport is the data rendered after apply or delete
type ReconcileReport struct {
	Operation string
	Namespace string
	Timestamp time.Time
	Resources []ResourceOutcome

	// Counts by action
	Counts map[string]int
	Failed int

	Policy *EvaluationResult
}

// ResourceOutcome is the reconciliation outcome of a single manifest
type ResourceOutcome struct {
	Kind   string
	Name   string
	Action string
	Error  string
}
