// Package selector implements receiver selection: a CEL predicate over
// streamed resource descriptors deciding which resources a job downloads.
package selector

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/clearline/retriever/common/models"
)

// Selector decides per descriptor whether the resource should be downloaded
type Selector struct {
	expr string
	prg  cel.Program
}

// Compile builds a selector from a CEL expression. An empty expression
// yields a selector that matches every resource.
func Compile(expr string) (*Selector, error) {
	if expr == "" {
		return &Selector{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("serialisedFormat", cel.StringType),
		cel.Variable("properties", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid receiver expression %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build receiver program: %w", err)
	}

	return &Selector{expr: expr, prg: prg}, nil
}

// Matches evaluates the predicate against one descriptor
func (s *Selector) Matches(desc *models.ResourceDescriptor) (bool, error) {
	if s.prg == nil {
		return true, nil
	}

	props := desc.Properties
	if props == nil {
		props = map[string]any{}
	}

	out, _, err := s.prg.Eval(map[string]interface{}{
		"id":               desc.LeafResourceID,
		"type":             desc.Type,
		"serialisedFormat": desc.SerialisedFormat,
		"properties":       props,
	})
	if err != nil {
		return false, fmt.Errorf("receiver evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("receiver expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}
