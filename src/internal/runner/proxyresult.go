package runner

import (
	"context"
	"errors"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/proxyresult"
	"github.com/gh-nvat/virtest/src/pkg/trace"
)

// ProxyResultRetriever saves recorded proxy results of the configured services
type ProxyResultRetriever interface {
	Retrieve(ctx context.Context, cfg *config.Config) ([]string, error)
}

// RunnerProxyResult downloads recorded imposters from the running mock server
type RunnerProxyResult struct {
	*RunnerBase
	retriever ProxyResultRetriever

	// Files written by the last Process
	Files []string
}

// make RunnerProxyResult implement RunnerInterface
var _ RunnerInterface = (*RunnerProxyResult)(nil)

func NewRunnerProxyResult(ctx context.Context, options *Options, components Components, retriever ProxyResultRetriever) (*RunnerProxyResult, error) {
	if retriever == nil {
		return nil, errors.New("proxy result retriever is required")
	}
	base, err := NewRunnerBase(ctx, options, components)
	if err != nil {
		return nil, err
	}
	return &RunnerProxyResult{RunnerBase: base, retriever: retriever}, nil
}

func (r *RunnerProxyResult) Process() error {
	logger.Info("ProxyResult: starting...")

	if r.Config == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	_, span := r.Tracer.Start(r.Context, "RetrieveProxyResults")
	files, err := r.retriever.Retrieve(r.Context, r.Config)
	trace.End(span, err)
	r.Files = files
	if err != nil {
		return err
	}

	logger.WithField("files", len(files)).Info("ProxyResult: done.")
	return nil
}

// RetrieverOptions maps runner options onto the proxy result retriever
func RetrieverOptions(options *Options) proxyresult.Options {
	outputDir := options.OutputDir
	if outputDir == "" {
		outputDir = options.BaseDir
	}
	if outputDir == "" {
		outputDir = "."
	}
	return proxyresult.Options{
		LocalPort: options.LocalPort,
		OutputDir: outputDir,
	}
}
