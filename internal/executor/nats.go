package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mvlachos/accord/internal/natsbus"
)

// NATS executes tasks over the bus: one request/reply exchange per task on
// the agent's execute topic. The caller's ctx carries the task deadline.
type NATS struct {
	client *natsbus.Client
}

func NewNATS(client *natsbus.Client) *NATS {
	return &NATS{client: client}
}

func (n *NATS) Execute(ctx context.Context, req Request) (Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := n.client.RequestWithContext(ctx, natsbus.TopicAgentExecute(req.AgentID), data)
	if err != nil {
		return Result{}, fmt.Errorf("execute on agent %s: %w", req.AgentID, err)
	}

	var res Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return Result{}, fmt.Errorf("decode reply from agent %s: %w", req.AgentID, err)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return Result{}, fmt.Errorf("agent %s reported confidence %v out of range", req.AgentID, res.Confidence)
	}
	return res, nil
}
