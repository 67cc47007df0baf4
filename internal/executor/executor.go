// Package executor defines the contract with the external agent-execution
// collaborator. The orchestrator only consumes the output/confidence/error
// triple; transport, authentication and encryption of the call belong to the
// collaborator behind the interface.
package executor

import (
	"context"
)

// Request is one unit of phase work addressed to a single agent.
type Request struct {
	RunID        string   `json:"run_id"`
	AgentID      string   `json:"agent_id"`
	Phase        int      `json:"phase"`
	Capabilities []string `json:"capabilities"`
	Input        string   `json:"input"`
	Context      string   `json:"context,omitempty"` // outputs of completed predecessor phases
}

// Result carries the agent's answer. Confidence is in [0,1].
type Result struct {
	Output     string  `json:"output"`
	Confidence float64 `json:"confidence"`
}

// Executor hands a task to one agent and returns its result before the
// deadline carried by ctx. Errors and timeouts are contained by the caller:
// they degrade the agent's contribution to confidence zero, never more.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to the Executor interface. Tests and embedded
// deployments use this.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
