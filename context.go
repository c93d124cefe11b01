package dbos

import (
	"context"
	"strconv"
	"sync/atomic"
)

// Context is the Execution Context: the per-invocation ambient state
// every durable call reads to assign its function_id and identify the
// enclosing workflow.
//
// Runtimes with task-local storage keep this as an implicit stack with
// explicit push/pop. Go has no per-goroutine storage, so this module
// threads the same state explicitly as a parameter: ordinary function-call
// scoping gives a fresh frame per workflow with guaranteed release on
// every exit path, no literal stack required.
type Context struct {
	std context.Context

	workflowID       string
	parentWorkflowID string
	isWithinWorkflow bool

	functionIDCounter *int64 // shared across a workflow invocation's nested calls

	authenticatedUser  string
	assumedRole        string
	authenticatedRoles []string

	depth int
}

func newWorkflowContext(std context.Context, workflowID, parentWorkflowID string) *Context {
	counter := int64(0)
	return &Context{
		std:               std,
		workflowID:        workflowID,
		parentWorkflowID:  parentWorkflowID,
		isWithinWorkflow:  true,
		functionIDCounter: &counter,
		depth:             1,
	}
}

// newTempContext builds the Context for a temp workflow: a transaction or
// step invoked with no enclosing workflow.
func newTempContext(std context.Context, workflowID string) *Context {
	counter := int64(0)
	return &Context{
		std:               std,
		workflowID:        workflowID,
		isWithinWorkflow:  false,
		functionIDCounter: &counter,
		depth:             1,
	}
}

// Std returns the underlying context.Context for cancellation/deadlines,
// the only part of the standard library's context this type stands in for.
func (c *Context) Std() context.Context {
	if c.std == nil {
		return context.Background()
	}
	return c.std
}

// WorkflowID returns the id of the workflow this Context was created for.
func (c *Context) WorkflowID() string { return c.workflowID }

// ParentWorkflowID returns the enclosing workflow's id, or "" at the root.
func (c *Context) ParentWorkflowID() string { return c.parentWorkflowID }

// IsWithinWorkflow reports whether this call is part of a durably tracked
// workflow, as opposed to a temp workflow.
func (c *Context) IsWithinWorkflow() bool { return c.isWithinWorkflow }

// nextFunctionID assigns the next monotonic function_id. Atomic because
// transactions/steps within one workflow execute sequentially in the
// workflow's own goroutine, but send/recv's "checkpoint then poll" pattern
// and concurrent test harnesses benefit from the same guarantee without
// requiring external locking.
func (c *Context) nextFunctionID() int64 {
	return atomic.AddInt64(c.functionIDCounter, 1) - 1
}

// childWorkflowID computes the default id of a workflow started from
// inside this one: "{parent_id}-{child_index}" where child_index is the
// function_id about to be assigned.
func (c *Context) childWorkflowID(childIndex int64) string {
	return c.workflowID + "-" + strconv.FormatInt(childIndex, 10)
}

// WithUser returns a copy of c carrying authenticated-user/role metadata,
// propagated into workflow_status for audit.
func (c *Context) WithUser(user, role string, roles []string) *Context {
	cp := *c
	cp.authenticatedUser = user
	cp.assumedRole = role
	cp.authenticatedRoles = roles
	return &cp
}

func (c *Context) AuthenticatedUser() string    { return c.authenticatedUser }
func (c *Context) AssumedRole() string          { return c.assumedRole }
func (c *Context) AuthenticatedRoles() []string { return c.authenticatedRoles }

