package gatekeeper

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// FormulaEvaluator runs a GateMetric's optional derived-metric formula
// through a sandboxed Yaegi interpreter: stdlib-only, no filesystem,
// network, or exec access.
type FormulaEvaluator struct {
	allowedPackages map[string]bool
}

// NewFormulaEvaluator builds an evaluator restricted to a safe stdlib subset.
func NewFormulaEvaluator() *FormulaEvaluator {
	return &FormulaEvaluator{
		allowedPackages: map[string]bool{
			"strings": true, "strconv": true, "fmt": true, "math": true, "sort": true,
		},
	}
}

// Eval interprets code, which must define `func Metric(inputs map[string]float64) float64`,
// and calls it with inputs. ctx bounds interpretation + the call.
func (fe *FormulaEvaluator) Eval(ctx context.Context, code string, inputs map[string]float64) (float64, error) {
	if err := fe.validateImports(code); err != nil {
		return 0, fmt.Errorf("invalid formula imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return 0, fmt.Errorf("load stdlib: %w", err)
	}

	if _, err := i.Eval(wrapFormula(code)); err != nil {
		return 0, fmt.Errorf("formula eval failed: %w", err)
	}

	fn, err := i.Eval("main.Metric")
	if err != nil {
		return 0, fmt.Errorf("Metric function not found: %w", err)
	}
	metricFunc, ok := fn.Interface().(func(map[string]float64) float64)
	if !ok {
		return 0, fmt.Errorf("Metric has incorrect signature (expected func(map[string]float64) float64)")
	}

	resultCh := make(chan float64, 1)
	go func() { resultCh <- metricFunc(inputs) }()

	select {
	case v := <-resultCh:
		return v, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("formula evaluation timed out: %w", ctx.Err())
	}
}

func wrapFormula(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

func (fe *FormulaEvaluator) validateImports(code string) error {
	lines := strings.Split(code, "\n")
	inBlock := false
	var forbidden []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			pkg := strings.Trim(trimmed, `"`)
			if pkg != "" && !fe.allowedPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			if !fe.allowedPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}
