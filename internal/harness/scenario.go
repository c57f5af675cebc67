package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/eventcore/internal/model"
)

// Scenario defines a stream processing scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. Used as the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Stream is the source stream the processor consumes.
	Stream StreamSpec `yaml:"stream"`

	// Events are appended to the stream before the processor starts, at
	// positions 0, 1, 2 and so on.
	Events []EventSpec `yaml:"events"`

	// Script sets the processor results per stream position.
	Script []ScriptStep `yaml:"script,omitempty"`

	// Assertions validate the run.
	// Supported types: final_state, processed_order, attempt_count
	Assertions []Assertion `yaml:"assertions"`
}

// StreamSpec describes the source stream.
type StreamSpec struct {
	ID          string `yaml:"id"`
	Partitioned bool   `yaml:"partitioned"`
}

// EventSpec is one event appended before the run.
type EventSpec struct {
	Partition string `yaml:"partition,omitempty"`
	Type      string `yaml:"type"`
	Content   string `yaml:"content,omitempty"`
}

// ScriptStep scripts the attempts on the event at Position.
type ScriptStep struct {
	Position uint64    `yaml:"position"`
	Outcomes []Outcome `yaml:"outcomes"`
}

// Outcome is the scripted result of one attempt.
type Outcome struct {
	// Result is "succeed", "retry" or "fail".
	Result string `yaml:"result"`

	// After is the retry timeout of a "retry" outcome, as a Go duration.
	After string `yaml:"after,omitempty"`

	// Reason is the failure reason. Defaults to "scripted failure".
	Reason string `yaml:"reason,omitempty"`
}

// Outcome result names.
const (
	OutcomeSucceed = "succeed"
	OutcomeRetry   = "retry"
	OutcomeFail    = "fail"
)

const defaultReason = "scripted failure"

// ProcessingResult converts the outcome to the result the processor returns.
func (o Outcome) ProcessingResult() (model.ProcessingResult, error) {
	reason := o.Reason
	if reason == "" {
		reason = defaultReason
	}
	switch o.Result {
	case OutcomeSucceed:
		return model.Succeeded(), nil
	case OutcomeRetry:
		after, err := time.ParseDuration(o.After)
		if err != nil {
			return nil, fmt.Errorf("retry outcome: invalid after %q: %w", o.After, err)
		}
		if after < 0 {
			return nil, fmt.Errorf("retry outcome: after must not be negative")
		}
		return model.RetryAfter(reason, after), nil
	case OutcomeFail:
		return model.Fail(reason), nil
	default:
		return nil, fmt.Errorf("unknown outcome %q (want succeed, retry or fail)", o.Result)
	}
}

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_state": compare the persisted state
	// - "processed_order": compare the positions handed to the processor
	// - "attempt_count": compare the attempts on one position
	Type string `yaml:"type"`

	// Position is the expected stream position (final_state) or the
	// position whose attempts are counted (attempt_count).
	Position *uint64 `yaml:"position,omitempty"`

	// Failing is the expected failing flag of an unpartitioned state (final_state).
	Failing *bool `yaml:"failing,omitempty"`

	// Attempts is the expected attempt count of an unpartitioned state (final_state).
	Attempts *uint32 `yaml:"attempts,omitempty"`

	// Reason is the expected failure reason of an unpartitioned state (final_state).
	Reason *string `yaml:"reason,omitempty"`

	// FailingPartitions lists the exact expected failing partitions of a
	// partitioned state (final_state). An empty map expects none.
	FailingPartitions map[string]PartitionExpect `yaml:"failing_partitions,omitempty"`

	// Partition restricts processed_order to one partition.
	Partition *string `yaml:"partition,omitempty"`

	// Positions is the expected processing order (processed_order).
	Positions []uint64 `yaml:"positions,omitempty"`

	// Count is the expected number of attempts (attempt_count).
	Count *int `yaml:"count,omitempty"`
}

// PartitionExpect is the expected entry of one failing partition.
type PartitionExpect struct {
	Position   *uint64 `yaml:"position,omitempty"`
	Attempts   *uint32 `yaml:"attempts,omitempty"`
	Reason     *string `yaml:"reason,omitempty"`
	NeverRetry *bool   `yaml:"never_retry,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState     = "final_state"
	AssertProcessedOrder = "processed_order"
	AssertAttemptCount   = "attempt_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Stream.ID == "" {
		return fmt.Errorf("stream.id is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, e := range s.Events {
		if e.Type == "" {
			return fmt.Errorf("events[%d]: type is required", i)
		}
		if s.Stream.Partitioned && e.Partition == "" {
			return fmt.Errorf("events[%d]: partition is required in a partitioned stream", i)
		}
		if !s.Stream.Partitioned && e.Partition != "" {
			return fmt.Errorf("events[%d]: partition is not allowed in an unpartitioned stream", i)
		}
	}

	seen := make(map[uint64]bool)
	for i, step := range s.Script {
		if step.Position >= uint64(len(s.Events)) {
			return fmt.Errorf("script[%d]: position %d has no event", i, step.Position)
		}
		if seen[step.Position] {
			return fmt.Errorf("script[%d]: position %d is scripted twice", i, step.Position)
		}
		seen[step.Position] = true
		if len(step.Outcomes) == 0 {
			return fmt.Errorf("script[%d]: outcomes list is required", i)
		}
		for j, o := range step.Outcomes {
			if _, err := o.ProcessingResult(); err != nil {
				return fmt.Errorf("script[%d].outcomes[%d]: %w", i, j, err)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], s.Stream.Partitioned); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, partitioned bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if partitioned && (a.Failing != nil || a.Attempts != nil || a.Reason != nil) {
			return fmt.Errorf("assertions[%d]: failing, attempts and reason apply to unpartitioned streams; use failing_partitions", index)
		}
		if !partitioned && a.FailingPartitions != nil {
			return fmt.Errorf("assertions[%d]: failing_partitions applies to partitioned streams", index)
		}
	case AssertProcessedOrder:
		if a.Positions == nil {
			return fmt.Errorf("assertions[%d]: positions list is required for processed_order", index)
		}
	case AssertAttemptCount:
		if a.Position == nil {
			return fmt.Errorf("assertions[%d]: position is required for attempt_count", index)
		}
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for attempt_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
