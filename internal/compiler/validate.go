package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/eventcore/internal/model"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedType = "E100" // unsupported type for validation

	// ProcessorSpec errors (E101-E109)
	ErrProcessorName      = "E101" // invalid processor id
	ErrSourceRequired     = "E102" // source stream is required
	ErrUnknownKind        = "E103" // kind is not a built-in processor
	ErrFilterRequired     = "E104" // filter kind without filter block
	ErrFilterTypes        = "E105" // filter without event types
	ErrFilterTarget       = "E106" // filter target missing or equal to source
	ErrFilterUnexpected   = "E107" // filter block on a non-filter kind
	ErrRetryBounds        = "E108" // retry initial greater than max
	ErrDuplicateProcessor = "E109" // two declarations share a stream processor id
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a compiled declaration against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch spec := v.(type) {
	case *ProcessorSpec:
		return validateProcessor(spec)
	case ProcessorSpec:
		return validateProcessor(&spec)
	case []ProcessorSpec:
		return validateProcessors(spec)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type: %T", v),
			Code:    ErrUnsupportedType,
		}}
	}
}

// processorNamePattern allows ids usable as CLI arguments and metric labels.
var processorNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validateProcessor(spec *ProcessorSpec) []ValidationError {
	var errs []ValidationError
	name := string(spec.Name)

	// E101: processor id format
	if !processorNamePattern.MatchString(name) {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("invalid processor id %q", name),
			Code:    ErrProcessorName,
		})
	}

	// E102: source stream required
	if strings.TrimSpace(string(spec.Source)) == "" {
		errs = append(errs, ValidationError{
			Field:   name + ".source",
			Message: "source stream is required",
			Code:    ErrSourceRequired,
		})
	}

	switch spec.Kind {
	case KindLog:
		// E107: filter block only applies to filters
		if spec.Filter != nil {
			errs = append(errs, ValidationError{
				Field:   name + ".filter",
				Message: fmt.Sprintf("filter block is only valid for kind %q", KindFilter),
				Code:    ErrFilterUnexpected,
			})
		}
	case KindFilter:
		errs = append(errs, validateFilter(name, spec)...)
	default:
		// E103: unknown kind
		errs = append(errs, ValidationError{
			Field:   name + ".kind",
			Message: fmt.Sprintf("unknown kind %q, must be %q or %q", spec.Kind, KindLog, KindFilter),
			Code:    ErrUnknownKind,
		})
	}

	// E108: retry bounds
	if spec.Retry.Initial > 0 && spec.Retry.Max > 0 && spec.Retry.Initial > spec.Retry.Max {
		errs = append(errs, ValidationError{
			Field:   name + ".retry",
			Message: fmt.Sprintf("initial %s exceeds max %s", spec.Retry.Initial, spec.Retry.Max),
			Code:    ErrRetryBounds,
		})
	}

	return errs
}

func validateFilter(name string, spec *ProcessorSpec) []ValidationError {
	// E104: filter block required
	if spec.Filter == nil {
		return []ValidationError{{
			Field:   name + ".filter",
			Message: "filter block is required for kind filter",
			Code:    ErrFilterRequired,
		}}
	}

	var errs []ValidationError

	// E105: at least one event type
	if len(spec.Filter.Types) == 0 {
		errs = append(errs, ValidationError{
			Field:   name + ".filter.types",
			Message: "at least one event type is required",
			Code:    ErrFilterTypes,
		})
	}
	for i, typ := range spec.Filter.Types {
		if strings.TrimSpace(typ) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.filter.types[%d]", name, i),
				Message: "event type must be non-empty",
				Code:    ErrFilterTypes,
			})
		}
	}

	// E106: target must exist and differ from the source
	switch {
	case spec.Filter.Target == "":
		errs = append(errs, ValidationError{
			Field:   name + ".filter.target",
			Message: "target stream is required",
			Code:    ErrFilterTarget,
		})
	case spec.Filter.Target == spec.Source:
		errs = append(errs, ValidationError{
			Field:   name + ".filter.target",
			Message: fmt.Sprintf("target %q equals the source stream", spec.Filter.Target),
			Code:    ErrFilterTarget,
		})
	}

	return errs
}

func validateProcessors(specs []ProcessorSpec) []ValidationError {
	var errs []ValidationError
	seen := make(map[model.StreamProcessorID]bool, len(specs))
	for i := range specs {
		errs = append(errs, validateProcessor(&specs[i])...)

		// E109: duplicate stream processor id
		id := specs[i].StreamProcessorID()
		if seen[id] {
			errs = append(errs, ValidationError{
				Field:   string(specs[i].Name),
				Message: fmt.Sprintf("duplicate stream processor %s", id),
				Code:    ErrDuplicateProcessor,
			})
		}
		seen[id] = true
	}
	return errs
}
