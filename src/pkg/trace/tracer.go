// Package trace records pipeline stage spans and exports them as a performance report.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const REPORT_FILE_NAME = "performance-report.json"

type SpanInfo struct {
	Name       string            `json:"name"`
	DurationMs float64           `json:"durationMs"`
	Start      string            `json:"start"`
	End        string            `json:"end"`
	Status     string            `json:"status,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Children   []SpanInfo        `json:"children,omitempty"`

	startTime time.Time
}

type PerformanceReport struct {
	Spans           []SpanInfo `json:"spans"`
	TotalDurationMs float64    `json:"totalDurationMs"`
	Timestamp       string     `json:"timestamp"`
}

// Tracer opens stage spans. A disabled Tracer hands out no-op spans.
type Tracer struct {
	provider  *sdktrace.TracerProvider
	tracer    trace.Tracer
	recorder  *recordingSpanProcessor
	outputDir string
}

// New creates a tracer. When enabled, finished spans are kept in memory and
// Shutdown writes them to outputDir.
func New(serviceName string, enabled bool, outputDir string) (*Tracer, error) {
	if !enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	recorder := &recordingSpanProcessor{}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(recorder),
	)

	return &Tracer{
		provider:  tp,
		tracer:    tp.Tracer(serviceName),
		recorder:  recorder,
		outputDir: outputDir,
	}, nil
}

// Start opens a span named after a pipeline stage
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes span, marking it failed when err is set
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes the provider and writes the performance report
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return t.ExportReport()
}

// Report builds the span hierarchy recorded so far
func (t *Tracer) Report() PerformanceReport {
	report := PerformanceReport{Timestamp: time.Now().Format(time.RFC3339Nano)}
	if t == nil || t.recorder == nil {
		return report
	}
	report.Spans = buildHierarchy(t.recorder.records())
	for _, span := range report.Spans {
		report.TotalDurationMs += span.DurationMs
	}
	return report
}

// ExportReport writes the performance report to the output directory
func (t *Tracer) ExportReport() error {
	if t == nil || t.recorder == nil || t.outputDir == "" {
		return nil
	}
	report := t.Report()
	if len(report.Spans) == 0 {
		return nil
	}

	if err := os.MkdirAll(t.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(t.outputDir, REPORT_FILE_NAME), data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

type spanRecord struct {
	info     SpanInfo
	spanID   string
	parentID string
}

// recordingSpanProcessor keeps every finished span in memory
type recordingSpanProcessor struct {
	mu    sync.Mutex
	spans []spanRecord
}

func (p *recordingSpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (p *recordingSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	parentID := ""
	if s.Parent().IsValid() {
		parentID = s.Parent().SpanID().String()
	}

	info := SpanInfo{
		Name:       s.Name(),
		DurationMs: float64(s.EndTime().Sub(s.StartTime()).Microseconds()) / 1000.0,
		Start:      s.StartTime().Format(time.RFC3339Nano),
		End:        s.EndTime().Format(time.RFC3339Nano),
		startTime:  s.StartTime(),
	}
	if s.Status().Code == codes.Error {
		info.Status = s.Status().Description
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		info.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			info.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.spans = append(p.spans, spanRecord{
		info:     info,
		spanID:   s.SpanContext().SpanID().String(),
		parentID: parentID,
	})
}

func (p *recordingSpanProcessor) Shutdown(ctx context.Context) error   { return nil }
func (p *recordingSpanProcessor) ForceFlush(ctx context.Context) error { return nil }

func (p *recordingSpanProcessor) records() []spanRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]spanRecord(nil), p.spans...)
}

// buildHierarchy nests span records under their parents, ordering siblings by start time.
// Spans whose parent was not recorded become roots.
func buildHierarchy(records []spanRecord) []SpanInfo {
	children := make(map[string][]spanRecord)
	known := make(map[string]bool, len(records))
	for _, record := range records {
		known[record.spanID] = true
	}

	var roots []spanRecord
	for _, record := range records {
		if record.parentID == "" || !known[record.parentID] {
			roots = append(roots, record)
			continue
		}
		children[record.parentID] = append(children[record.parentID], record)
	}

	var build func(level []spanRecord) []SpanInfo
	build = func(level []spanRecord) []SpanInfo {
		sort.SliceStable(level, func(i, j int) bool {
			return level[i].info.startTime.Before(level[j].info.startTime)
		})
		out := make([]SpanInfo, 0, len(level))
		for _, record := range level {
			info := record.info
			if nested := children[record.spanID]; len(nested) > 0 {
				info.Children = build(nested)
			}
			out = append(out, info)
		}
		return out
	}
	return build(roots)
}
