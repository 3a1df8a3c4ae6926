package runner

import "github.com/gh-nvat/virtest/src/pkg/models"

type RunnerInterface interface {
	// Initialize loads and validates the configuration
	Initialize() error

	// Main routine to process the runner
	Process() error

	// Handling the export of the reconcile report
	Output(report *models.ReconcileReport) error
}
