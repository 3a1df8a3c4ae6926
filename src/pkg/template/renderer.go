package template

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
)

//go:embed templates/reconcile.md.tmpl
var reconcileTemplate string

// Renderer handles template rendering
type Renderer struct {
	funcMap template.FuncMap
}

// NewRenderer creates a new template renderer
func NewRenderer() *Renderer {
	return &Renderer{
		funcMap: template.FuncMap{
			"gt":    func(a, b int) bool { return a > b },
			"upper": strings.ToUpper,
			"cell": func(s string) string {
				return strings.ReplaceAll(strings.ReplaceAll(s, "|", "\\|"), "\n", " ")
			},
		},
	}
}

// Render renders a template file with the provided data
func (r *Renderer) Render(templatePath string, data interface{}) (string, error) {
	content, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}

	return r.RenderString(string(content), data)
}

// RenderString renders a template string with the provided data
func (r *Renderer) RenderString(templateStr string, data interface{}) (string, error) {
	tmpl, err := template.New("template").Funcs(r.funcMap).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// RenderReconcileReport renders a models.ReconcileReport with the bundled template
func (r *Renderer) RenderReconcileReport(data interface{}) (string, error) {
	return r.RenderString(reconcileTemplate, data)
}

// GetDefaultReconcileTemplate returns the bundled reconcile report template
func (r *Renderer) GetDefaultReconcileTemplate() string {
	return reconcileTemplate
}
