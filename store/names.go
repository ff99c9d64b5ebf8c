package store

// Channel names. Fixed, lowercase, colon-delimited.
const (
	// ChannelBroadcast carries coordinator messages addressed to all agents.
	ChannelBroadcast = "pop:broadcast"
	// ChannelHeartbeat carries agent heartbeats to the coordinator.
	ChannelHeartbeat = "pop:heartbeat"
	// ChannelResults carries task results from agents to the coordinator.
	ChannelResults = "pop:results"
	// ChannelInsights carries insights from agents to the router.
	ChannelInsights = "pop:insights"
	// ChannelCoordinator carries external messages to the coordinator.
	ChannelCoordinator = "pop:coordinator"
	// ChannelHuman is the human escalation sink.
	ChannelHuman = "pop:human"
	// ChannelLedger is the append-only activity ledger stream.
	ChannelLedger = "pop:ledger"
)

// Key names.
const (
	// KeyObjective holds the serialized objective.
	KeyObjective = "pop:objective"
	// KeyCoordinatorLease is the coordinator singleton claim.
	KeyCoordinatorLease = "pop:coordinator:lease"
	// KeyOrphanedTasks is the list of tasks whose owner went down.
	KeyOrphanedTasks = "pop:tasks:orphaned"
	// KeyOrphanedInsights is the list of insights no subscriber matched.
	KeyOrphanedInsights = "pop:orphaned_insights"
)

// AgentChannel returns the direct channel for a specific agent.
func AgentChannel(agentID string) string { return "pop:agent:" + agentID }

// AgentStateKey returns the hash key holding an agent's state snapshot.
func AgentStateKey(agentID string) string { return "pop:state:" + agentID }

// CompletedKey returns the key holding a session's completion summary.
func CompletedKey(sessionID string) string { return "pop:completed:" + sessionID }

// PatternKey returns the hash key holding a cross-session pattern insight.
func PatternKey(id string) string { return "pop:patterns:" + id }

// HumanAckKey returns the key a human sets to acknowledge an escalation for
// an agent.
func HumanAckKey(agentID string) string { return "pop:human:ack:" + agentID }
