package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicAgentExecute carries request/reply task traffic to one agent.
func TopicAgentExecute(agentID string) string {
	return fmt.Sprintf("agent.%s.execute", agentID)
}

func TopicAgentControl(agentID string) string {
	return fmt.Sprintf("agent.%s.control", agentID)
}

func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

const (
	TopicEventsAll              = "events.>"
	TopicEventsRuns             = "events.run.*"
	TopicEventsSchedule         = "events.schedule.*"
	TopicEventsScheduleExecuted = "events.schedule.executed"
)
