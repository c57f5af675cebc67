package testutil

import (
	"context"
	"sync"

	"github.com/roach88/eventcore/internal/model"
)

// Call records one invocation of a ScriptedProcessor.
type Call struct {
	EventID   string
	Type      string
	Partition model.PartitionID
	Retry     bool
	Reason    string
	Attempts  uint32
}

// ScriptedProcessor is an event processor for tests whose results are
// scripted per event id. Events without a script, or whose script is used
// up, succeed.
//
// Implements engine.EventProcessor.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedProcessor struct {
	id    model.EventProcessorID
	scope model.ScopeID

	mu     sync.Mutex
	script map[string][]model.ProcessingResult
	calls  []Call
	hook   func(ctx context.Context, call Call)
}

// NewScriptedProcessor creates a processor in scope, or model.DefaultScope
// if scope is empty.
func NewScriptedProcessor(id model.EventProcessorID, scope model.ScopeID) *ScriptedProcessor {
	if scope == "" {
		scope = model.DefaultScope
	}
	return &ScriptedProcessor{
		id:     id,
		scope:  scope,
		script: make(map[string][]model.ProcessingResult),
	}
}

// Script appends results returned, in order, for attempts on eventID.
func (p *ScriptedProcessor) Script(eventID string, results ...model.ProcessingResult) *ScriptedProcessor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[eventID] = append(p.script[eventID], results...)
	return p
}

// OnCall sets a hook run before each result is returned. The hook may block
// on ctx to simulate slow processing.
func (p *ScriptedProcessor) OnCall(hook func(ctx context.Context, call Call)) *ScriptedProcessor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
	return p
}

// Calls returns a copy of the recorded calls.
func (p *ScriptedProcessor) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// EventIDs returns the event ids of the recorded calls in order.
func (p *ScriptedProcessor) EventIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.EventID
	}
	return out
}

// Identifier implements engine.EventProcessor.
func (p *ScriptedProcessor) Identifier() model.EventProcessorID { return p.id }

// Scope implements engine.EventProcessor.
func (p *ScriptedProcessor) Scope() model.ScopeID { return p.scope }

// Process implements engine.EventProcessor.
func (p *ScriptedProcessor) Process(ctx context.Context, event model.CommittedEvent, partition model.PartitionID) model.ProcessingResult {
	return p.handle(ctx, Call{EventID: event.EventID, Type: event.Type, Partition: partition})
}

// ReProcess implements engine.EventProcessor.
func (p *ScriptedProcessor) ReProcess(ctx context.Context, event model.CommittedEvent, partition model.PartitionID, reason string, attempts uint32) model.ProcessingResult {
	return p.handle(ctx, Call{
		EventID:   event.EventID,
		Type:      event.Type,
		Partition: partition,
		Retry:     true,
		Reason:    reason,
		Attempts:  attempts,
	})
}

func (p *ScriptedProcessor) handle(ctx context.Context, call Call) model.ProcessingResult {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	result := model.Succeeded()
	if queued := p.script[call.EventID]; len(queued) > 0 {
		result = queued[0]
		p.script[call.EventID] = queued[1:]
	}
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}
	return result
}
