package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLog() ProcessorSpec {
	return ProcessorSpec{Name: "audit", Source: "orders", Kind: KindLog}
}

func validFilter() ProcessorSpec {
	return ProcessorSpec{
		Name:   "placed",
		Source: "orders",
		Kind:   KindFilter,
		Filter: &FilterSpec{Types: []string{"OrderPlaced"}, Target: "placed-orders"},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateValid(t *testing.T) {
	assert.Empty(t, Validate(validLog()))
	f := validFilter()
	assert.Empty(t, Validate(&f))
	assert.Empty(t, Validate([]ProcessorSpec{validLog(), validFilter()}))
}

func TestValidateProcessor(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProcessorSpec)
		want   []string
	}{
		{"bad name", func(p *ProcessorSpec) { p.Name = "has space" }, []string{ErrProcessorName}},
		{"empty name", func(p *ProcessorSpec) { p.Name = "" }, []string{ErrProcessorName}},
		{"no source", func(p *ProcessorSpec) { p.Source = "" }, []string{ErrSourceRequired}},
		{"unknown kind", func(p *ProcessorSpec) { p.Kind = "projector" }, []string{ErrUnknownKind}},
		{"filter on log", func(p *ProcessorSpec) {
			p.Filter = &FilterSpec{Types: []string{"A"}, Target: "x"}
		}, []string{ErrFilterUnexpected}},
		{"retry bounds", func(p *ProcessorSpec) {
			p.Retry = RetrySpec{Initial: time.Minute, Max: time.Second}
		}, []string{ErrRetryBounds}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validLog()
			tt.mutate(&spec)
			assert.Equal(t, tt.want, codes(Validate(spec)))
		})
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProcessorSpec)
		want   []string
	}{
		{"missing block", func(p *ProcessorSpec) { p.Filter = nil }, []string{ErrFilterRequired}},
		{"no types", func(p *ProcessorSpec) { p.Filter.Types = nil }, []string{ErrFilterTypes}},
		{"blank type", func(p *ProcessorSpec) { p.Filter.Types = []string{"A", " "} }, []string{ErrFilterTypes}},
		{"no target", func(p *ProcessorSpec) { p.Filter.Target = "" }, []string{ErrFilterTarget}},
		{"target is source", func(p *ProcessorSpec) { p.Filter.Target = "orders" }, []string{ErrFilterTarget}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validFilter()
			tt.mutate(&spec)
			assert.Equal(t, tt.want, codes(Validate(spec)))
		})
	}
}

func TestValidateDuplicates(t *testing.T) {
	errs := Validate([]ProcessorSpec{validLog(), validLog()})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateProcessor, errs[0].Code)

	other := validLog()
	other.Scope = "scope-2"
	assert.Empty(t, Validate([]ProcessorSpec{validLog(), other}))
}

func TestValidateUnsupportedType(t *testing.T) {
	errs := Validate(42)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnsupportedType, errs[0].Code)
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{Field: "audit.source", Message: "source stream is required", Code: ErrSourceRequired}
	assert.Equal(t, "[E102] audit.source: source stream is required", e.Error())

	e.Line = 3
	assert.Equal(t, "[E102] line 3: audit.source: source stream is required", e.Error())
}
