package agent

import (
	"context"
	"fmt"
	"sort"
)

// Core is the embeddable base for agent implementations. It carries the
// descriptor, the attached runtime, and the operation dispatch table, so
// concrete agents only implement lifecycle hooks and operations.
//
// RegisterOperation is meant for Initialize; the table is treated as
// read-only once the agent is running.
type Core struct {
	desc        Descriptor
	rt          *Runtime
	ops         map[string]OperationFunc
	initialized bool
}

// NewCore creates the base for the given descriptor.
func NewCore(desc Descriptor) *Core {
	return &Core{
		desc: desc,
		ops:  make(map[string]OperationFunc),
	}
}

// Descriptor returns the agent's descriptor.
func (c *Core) Descriptor() Descriptor { return c.desc }

// AttachRuntime binds the framework services. Called by the orchestrator
// before Initialize.
func (c *Core) AttachRuntime(rt *Runtime) { c.rt = rt }

// Runtime returns the attached runtime, or nil before attachment.
func (c *Core) Runtime() *Runtime { return c.rt }

// MarkInitialized records that Initialize completed; repeat calls can
// return early.
func (c *Core) MarkInitialized() { c.initialized = true }

// Initialized reports whether Initialize already completed.
func (c *Core) Initialized() bool { return c.initialized }

// RegisterOperation adds a named operation to the dispatch table.
func (c *Core) RegisterOperation(name string, fn OperationFunc) {
	c.ops[name] = fn
}

// Operations returns the registered operation names, sorted.
func (c *Core) Operations() []string {
	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle dispatches an operation by name. Unknown operations fail with
// ErrUnknownOperation; classified failures route through the agent's
// error contract before being returned.
func (c *Core) Handle(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	fn, ok := c.ops[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	result, err := fn(ctx, params)
	if err != nil {
		if ke := AsKindError(err); ke != nil && c.rt != nil {
			c.rt.ReportError(ctx, ke.Kind, ke.Data)
		}
		return nil, err
	}
	return result, nil
}
