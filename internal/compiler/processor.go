package compiler

import (
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/eventcore/internal/model"
)

// ProcessorKind names a built-in processor implementation.
type ProcessorKind string

const (
	KindLog    ProcessorKind = "log"
	KindFilter ProcessorKind = "filter"
)

// ProcessorSpec is a compiled processor declaration.
type ProcessorSpec struct {
	Name        model.EventProcessorID `json:"name"`
	Scope       model.ScopeID          `json:"scope"`
	Source      model.StreamID         `json:"source"`
	Partitioned bool                   `json:"partitioned"`
	Public      bool                   `json:"public"`
	Kind        ProcessorKind          `json:"kind"`
	Filter      *FilterSpec            `json:"filter,omitempty"`
	Retry       RetrySpec              `json:"retry"`
}

// FilterSpec configures a filter processor.
type FilterSpec struct {
	Types       []string       `json:"types"`
	Target      model.StreamID `json:"target"`
	Partitioned bool           `json:"partitioned"`
}

// RetrySpec bounds the retry timeouts of a processor. Zero values mean the
// processor default.
type RetrySpec struct {
	Initial time.Duration `json:"initial"`
	Max     time.Duration `json:"max"`
}

// StreamProcessorID returns the id the processor registers under.
func (p ProcessorSpec) StreamProcessorID() model.StreamProcessorID {
	return model.NewStreamProcessorID(p.Scope, p.Name, p.Source)
}

// Definition returns the definition of the source stream.
func (p ProcessorSpec) Definition() model.StreamDefinition {
	return model.StreamDefinition{
		StreamID:    p.Source,
		Partitioned: p.Partitioned,
		Public:      p.Public,
	}
}

var processorFields = map[string]bool{
	"scope": true, "source": true, "partitioned": true, "public": true,
	"kind": true, "filter": true, "retry": true,
}

// CompileProcessor parses a CUE value into a ProcessorSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the processor struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`processor: "order-log": { source: "orders", kind: "log" }`)
//	spec, err := CompileProcessor(v.LookupPath(cue.ParsePath(`processor."order-log"`)))
func CompileProcessor(v cue.Value) (*ProcessorSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ProcessorSpec{}

	// The processor id may be quoted in CUE, extract it
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = model.EventProcessorID(strings.Trim(labels[len(labels)-1].String(), `"`))
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		if !processorFields[iter.Label()] {
			return nil, &CompileError{
				Field:   iter.Label(),
				Message: "unknown field",
				Pos:     iter.Value().Pos(),
			}
		}
	}

	source, err := requiredString(v, "source")
	if err != nil {
		return nil, err
	}
	spec.Source = model.StreamID(source)

	kind, err := requiredString(v, "kind")
	if err != nil {
		return nil, err
	}
	spec.Kind = ProcessorKind(kind)

	scope, err := optionalString(v, "scope")
	if err != nil {
		return nil, err
	}
	spec.Scope = model.ScopeID(scope)
	if spec.Scope == "" {
		spec.Scope = model.DefaultScope
	}

	if spec.Partitioned, err = optionalBool(v, "partitioned"); err != nil {
		return nil, err
	}
	if spec.Public, err = optionalBool(v, "public"); err != nil {
		return nil, err
	}

	filterVal := v.LookupPath(cue.ParsePath("filter"))
	if filterVal.Exists() {
		filter, err := parseFilter(filterVal)
		if err != nil {
			return nil, err
		}
		spec.Filter = filter
	}

	retryVal := v.LookupPath(cue.ParsePath("retry"))
	if retryVal.Exists() {
		retry, err := parseRetry(retryVal)
		if err != nil {
			return nil, err
		}
		spec.Retry = retry
	}

	return spec, nil
}

// parseFilter extracts the filter block.
func parseFilter(v cue.Value) (*FilterSpec, error) {
	filter := &FilterSpec{}

	typesVal := v.LookupPath(cue.ParsePath("types"))
	if !typesVal.Exists() {
		return nil, &CompileError{
			Field:   "filter.types",
			Message: "filter types are required",
			Pos:     v.Pos(),
		}
	}
	list, err := typesVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for list.Next() {
		typ, err := list.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		filter.Types = append(filter.Types, typ)
	}

	target, err := requiredString(v, "target")
	if err != nil {
		return nil, prefixField(err, "filter.")
	}
	filter.Target = model.StreamID(target)

	if filter.Partitioned, err = optionalBool(v, "partitioned"); err != nil {
		return nil, err
	}
	return filter, nil
}

// parseRetry extracts the retry block. Durations use Go syntax ("500ms", "1m").
func parseRetry(v cue.Value) (RetrySpec, error) {
	var retry RetrySpec
	for _, f := range []struct {
		name string
		dst  *time.Duration
	}{
		{"initial", &retry.Initial},
		{"max", &retry.Max},
	} {
		raw, err := optionalString(v, f.name)
		if err != nil {
			return RetrySpec{}, err
		}
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return RetrySpec{}, &CompileError{
				Field:   "retry." + f.name,
				Message: fmt.Sprintf("invalid duration %q", raw),
				Pos:     v.LookupPath(cue.ParsePath(f.name)).Pos(),
			}
		}
		*f.dst = d
	}
	return retry, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	val := v.LookupPath(cue.ParsePath(field))
	if !val.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := val.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if strings.TrimSpace(s) == "" {
		return "", &CompileError{
			Field:   field,
			Message: field + " must be non-empty",
			Pos:     val.Pos(),
		}
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	val := v.LookupPath(cue.ParsePath(field))
	if !val.Exists() {
		return "", nil
	}
	s, err := val.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	val := v.LookupPath(cue.ParsePath(field))
	if !val.Exists() {
		return false, nil
	}
	b, err := val.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func prefixField(err error, prefix string) error {
	if ce, ok := err.(*CompileError); ok {
		ce.Field = prefix + ce.Field
		return ce
	}
	return err
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
