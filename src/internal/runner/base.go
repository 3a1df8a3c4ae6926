package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/manifest"
	"github.com/gh-nvat/virtest/src/pkg/mockserver"
	"github.com/gh-nvat/virtest/src/pkg/models"
	"github.com/gh-nvat/virtest/src/pkg/observability"
	"github.com/gh-nvat/virtest/src/pkg/policy"
	"github.com/gh-nvat/virtest/src/pkg/reconcile"
	"github.com/gh-nvat/virtest/src/pkg/template"
	"github.com/gh-nvat/virtest/src/pkg/trace"
	"github.com/gh-nvat/virtest/src/pkg/virtualservice"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var logger = log.WithFields(log.Fields{
	"package": "runner",
})

// Components are the collaborators a runner drives
type Components struct {
	Loader      config.ConfigLoader
	Store       manifest.ManifestStore
	Synthesizer virtualservice.ServiceSynthesizer
	Generator   mockserver.ConfigGenerator
	Injector    observability.ObservabilityInjector
	Evaluator   policy.PolicyEvaluator
	Reporter    *policy.Reporter
	Reconciler  reconcile.ManifestReconciler
	Renderer    *template.Renderer
	Tracer      *trace.Tracer
}

// Synthesis is the manifest set derived from the base manifests and the configuration
type Synthesis struct {
	Index      *manifest.Index
	Services   *virtualservice.Result
	MockConfig *mockserver.Output
}

type RunnerBase struct {
	Context context.Context
	Options *Options
	Config  *config.Config

	Components
}

// make RunnerBase implement RunnerInterface
var _ RunnerInterface = (*RunnerBase)(nil)

func NewRunnerBase(ctx context.Context, options *Options, components Components) (*RunnerBase, error) {
	if options.WorkDir == "" {
		options.WorkDir = DEFAULT_WORK_DIR
	}
	if options.ConfigPath == "" {
		options.ConfigPath = config.DEFAULT_CONFIG_PATH
	}
	if components.Loader == nil {
		components.Loader = config.NewLoader()
	}
	if components.Renderer == nil {
		components.Renderer = template.NewRenderer()
	}
	if components.Reporter == nil {
		components.Reporter = policy.NewReporter()
	}
	return &RunnerBase{
		Context:    ctx,
		Options:    options,
		Components: components,
	}, nil
}

func (r *RunnerBase) Initialize() error {
	logger.Info("Initialize: starting...")

	path := r.resolve(r.Options.ConfigPath)
	cfg, err := r.Loader.Load(path)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	r.Config = cfg

	logger.WithField("config", path).WithField("services", len(cfg.Services)).Info("Initialize: done.")
	return nil
}

// Process runs the synthesis without touching the cluster
func (r *RunnerBase) Process() error {
	if r.Config == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}
	synthesis, err := r.Synthesize()
	if err != nil {
		return err
	}
	return r.Persist(synthesis)
}

// Synthesize loads the base manifests and runs every synthesis stage over one index
func (r *RunnerBase) Synthesize() (*Synthesis, error) {
	logger.Info("Synthesize: starting...")
	if r.Store == nil || r.Synthesizer == nil || r.Generator == nil || r.Injector == nil {
		return nil, errors.New("store, synthesizer, generator and injector are required")
	}

	ctx, span := r.Tracer.Start(r.Context, "Synthesize")
	var err error
	defer func() { trace.End(span, err) }()

	manifestsPath := r.resolve(r.Config.Manifests.Path)
	_, loadSpan := r.Tracer.Start(ctx, "LoadManifests", attribute.String("path", manifestsPath))
	index, err := r.Store.Load(ctx, manifestsPath)
	trace.End(loadSpan, err)
	if err != nil {
		return nil, err
	}

	_, synthSpan := r.Tracer.Start(ctx, "SynthesizeServices")
	services, err := r.Synthesizer.Synthesize(index, r.Config.Services)
	trace.End(synthSpan, err)
	if err != nil {
		return nil, err
	}

	_, mockSpan := r.Tracer.Start(ctx, "GenerateMockConfig")
	mockConfig, err := r.Generator.Generate(index, r.Config.Services, services.BackendPorts)
	trace.End(mockSpan, err)
	if err != nil {
		return nil, err
	}

	_, obsSpan := r.Tracer.Start(ctx, "InjectObservability")
	err = r.Injector.Inject(index, r.Config.Observability, r.Config.Manifests.Namespace)
	trace.End(obsSpan, err)
	if err != nil {
		return nil, err
	}

	logger.WithField("manifests", index.Len()).WithField("kinds", index.Kinds()).Info("Synthesize: done.")
	return &Synthesis{Index: index, Services: services, MockConfig: mockConfig}, nil
}

// EvaluatePolicies runs the policy gate when manifests.policies-path is configured
func (r *RunnerBase) EvaluatePolicies(index *manifest.Index) (*models.EvaluationResult, error) {
	policiesPath := r.Config.Manifests.PoliciesPath
	if policiesPath == "" || r.Evaluator == nil {
		logger.Debug("EvaluatePolicies: no policies configured")
		return nil, nil
	}
	logger.Info("EvaluatePolicies: starting...")

	ctx, span := r.Tracer.Start(r.Context, "EvaluatePolicies")
	result, err := r.Evaluator.Evaluate(ctx, index, r.resolve(policiesPath))
	if err == nil {
		err = r.Reporter.Enforce(result)
	}
	trace.End(span, err)

	logger.Info("EvaluatePolicies: done.")
	return result, err
}

// Persist writes the combined manifest and the mock server config to the work dir
func (r *RunnerBase) Persist(synthesis *Synthesis) error {
	logger.Info("Persist: starting...")
	_, span := r.Tracer.Start(r.Context, "Persist")
	var err error
	defer func() { trace.End(span, err) }()

	workDir := r.workDir()
	if err = manifest.WriteFile(filepath.Join(workDir, MANIFEST_FILE_NAME), synthesis.Index); err != nil {
		return err
	}

	path := filepath.Join(workDir, MOCK_CONFIG_FILE_NAME)
	if synthesis.MockConfig == nil {
		// a config left by an earlier run would no longer match the manifest
		if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale mock server config: %w", err)
		}
		err = nil
	} else {
		if err = os.WriteFile(path, synthesis.MockConfig.Config, 0644); err != nil {
			return fmt.Errorf("failed to write mock server config: %w", err)
		}
		logger.WithField("filePath", path).Info("Written mock server config")
	}

	logger.Info("Persist: done.")
	return nil
}

// Reconcile applies or deletes index, then renders the report. The returned error
// aggregates per-resource failures once the whole batch is done.
func (r *RunnerBase) Reconcile(operation string, index *manifest.Index, policyResult *models.EvaluationResult) error {
	if r.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	namespace := r.Config.Manifests.Namespace

	ctx, span := r.Tracer.Start(r.Context, "Reconcile",
		attribute.String("operation", operation),
		attribute.String("namespace", namespace),
	)
	var (
		results reconcile.Results
		err     error
	)
	switch operation {
	case OPERATION_DELETE:
		results, err = r.Reconciler.Delete(ctx, index, namespace)
	default:
		results, err = r.Reconciler.Apply(ctx, index, namespace)
	}
	if err == nil {
		err = results.Err()
	}
	trace.End(span, err)

	if results != nil {
		if outErr := r.Output(newReport(operation, namespace, results, policyResult)); outErr != nil {
			logger.WithError(outErr).Warn("Failed to write reconcile report")
		}
	}
	return err
}

func (r *RunnerBase) Output(report *models.ReconcileReport) error {
	logger.Info("Output: starting...")

	rendered, err := r.Renderer.RenderReconcileReport(report)
	if err != nil {
		return err
	}
	logger.Debug(rendered)

	path := filepath.Join(r.workDir(), REPORT_FILE_NAME)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(rendered), 0644); err != nil {
		logger.WithField("filePath", path).WithField("error", err).Error("Failed to write reconcile report")
		return err
	}

	logger.WithField("filePath", path).Info("Output: done.")
	return nil
}

// resolve makes path absolute against the base dir
func (r *RunnerBase) resolve(path string) string {
	if filepath.IsAbs(path) || r.Options.BaseDir == "" {
		return path
	}
	return filepath.Join(r.Options.BaseDir, path)
}

func (r *RunnerBase) workDir() string {
	return r.resolve(r.Options.WorkDir)
}

func newReport(operation, namespace string, results reconcile.Results, policyResult *models.EvaluationResult) *models.ReconcileReport {
	report := &models.ReconcileReport{
		Operation: operation,
		Namespace: namespace,
		Timestamp: time.Now().UTC(),
		Resources: make([]models.ResourceOutcome, 0, len(results)),
		Counts:    make(map[string]int),
		Policy:    policyResult,
	}
	for _, res := range results {
		outcome := models.ResourceOutcome{Kind: res.Kind, Name: res.Name, Action: res.Action}
		if res.Err != nil {
			outcome.Error = res.Err.Error()
			report.Failed++
		}
		report.Resources = append(report.Resources, outcome)
		report.Counts[res.Action]++
	}
	return report
}
