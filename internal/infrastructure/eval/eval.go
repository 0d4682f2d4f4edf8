// Package eval realizes the program collaborators on govaluate: a program is
// a newline-separated list of "flow := expression" rules; installing one
// registers it for triggering, and triggered rule output is relayed onto the
// program's flows.
package eval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/domain/runtime"
	"github.com/flowmesh/flowmesh/internal/protocol"
)

type rule struct {
	flow string
	expr *govaluate.EvaluableExpression
}

// Program is a compiled rule list.
type Program struct {
	source string
	rules  []rule
}

func (p *Program) Flows() []string {
	out := make([]string, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r.flow)
	}
	return out
}

func (p *Program) Source() string { return p.source }

// Compiler implements runtime.Compiler. Blank lines and #-comments are
// skipped; every other line must be one rule.
type Compiler struct{}

func (Compiler) ParseAndTypecheck(source string) (runtime.Program, error) {
	prog := &Program{source: source}
	seen := make(map[string]struct{})
	for i, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		flow, exprText, ok := strings.Cut(line, ":=")
		if !ok {
			return nil, protocol.NewError(protocol.CodeInvalidArgument,
				fmt.Sprintf("line %d: expected \"flow := expression\"", i+1))
		}
		flow = strings.TrimSpace(flow)
		if flow == "" {
			return nil, protocol.NewError(protocol.CodeInvalidArgument,
				fmt.Sprintf("line %d: empty flow name", i+1))
		}
		if _, dup := seen[flow]; dup {
			return nil, protocol.NewError(protocol.CodeInvalidArgument,
				fmt.Sprintf("line %d: duplicate flow %q", i+1, flow))
		}
		seen[flow] = struct{}{}
		expr, err := govaluate.NewEvaluableExpression(strings.TrimSpace(exprText))
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidArgument,
				fmt.Sprintf("line %d: %v", i+1, err))
		}
		prog.rules = append(prog.rules, rule{flow: flow, expr: expr})
	}
	if len(prog.rules) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidArgument, "program has no rules")
	}
	return prog, nil
}

// Relay carries a triggered rule's output onto a flow of a program.
type Relay interface {
	PublishData(ctx context.Context, programID, flowID string, value any) error
	PublishEnd(ctx context.Context, programID, flowID string) error
}

type installed struct {
	account  string
	identity string
	prog     *Program
}

// Executor implements runtime.Executor: a registry of installed programs
// keyed by program id, triggered with parameter sets.
type Executor struct {
	logger zerolog.Logger

	mu       sync.Mutex
	relay    Relay
	programs map[string]installed
}

func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{
		logger:   logger.With().Str("component", "eval").Logger(),
		programs: make(map[string]installed),
	}
}

// SetRelay wires the outbound side. The executor and the dispatcher
// reference each other, so the relay attaches after construction.
func (e *Executor) SetRelay(relay Relay) {
	e.mu.Lock()
	e.relay = relay
	e.mu.Unlock()
}

// Install registers a compiled program for triggering. Reinstalling the same
// id replaces the previous registration.
func (e *Executor) Install(ctx context.Context, account, identity string, prog runtime.Program, uniqueID string) error {
	compiled, ok := prog.(*Program)
	if !ok {
		return protocol.NewError(protocol.CodeInvalidArgument, "program was not compiled by this executor")
	}
	e.mu.Lock()
	e.programs[uniqueID] = installed{account: account, identity: identity, prog: compiled}
	e.mu.Unlock()
	e.logger.Info().Str("program", uniqueID).Str("identity", identity).Msg("program installed")
	return nil
}

// Trigger evaluates every rule of an installed program against params and
// relays each result onto its flow. The first failure stops the run.
func (e *Executor) Trigger(ctx context.Context, programID string, params map[string]any) error {
	e.mu.Lock()
	inst, ok := e.programs[programID]
	relay := e.relay
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("eval: no such program %s", programID)
	}
	for _, r := range inst.prog.rules {
		value, err := r.expr.Evaluate(params)
		if err != nil {
			return fmt.Errorf("evaluate flow %s: %w", r.flow, err)
		}
		if relay == nil {
			continue
		}
		if err := relay.PublishData(ctx, programID, r.flow, value); err != nil {
			return fmt.Errorf("relay flow %s: %w", r.flow, err)
		}
	}
	return nil
}

// Finish announces end-of-flow for every flow of an installed program and
// drops the registration.
func (e *Executor) Finish(ctx context.Context, programID string) error {
	e.mu.Lock()
	inst, ok := e.programs[programID]
	relay := e.relay
	delete(e.programs, programID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("eval: no such program %s", programID)
	}
	if relay == nil {
		return nil
	}
	for _, r := range inst.prog.rules {
		if err := relay.PublishEnd(ctx, programID, r.flow); err != nil {
			return fmt.Errorf("end flow %s: %w", r.flow, err)
		}
	}
	return nil
}

// SchemaRegistry is a static runtime.SchemaRetriever fed at startup.
type SchemaRegistry struct {
	mu     sync.Mutex
	tables map[string]runtime.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{tables: make(map[string]runtime.Schema)}
}

// Register adds or replaces one table schema.
func (r *SchemaRegistry) Register(table string, schema runtime.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table] = schema
}

func (r *SchemaRegistry) GetSchema(ctx context.Context, table string) (runtime.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	schema, ok := r.tables[table]
	if !ok {
		return runtime.Schema{}, runtime.ErrNoSuchTable
	}
	return schema, nil
}
