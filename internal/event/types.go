package event

import "time"

// Type identifies an event. The set is closed; producers only emit the
// constants below.
type Type string

const (
	// StatusUpdated carries the full plan state document after it changed on disk.
	StatusUpdated Type = "status_updated"
	// TaskChanged is emitted once per task whose status differs from the previous snapshot.
	TaskChanged Type = "task_changed"
	// PhaseChanged is emitted when the plan's currentPhase pointer moves.
	PhaseChanged Type = "phase_changed"
	// ToolStarted is emitted when the coding agent begins a tool call.
	ToolStarted Type = "tool_started"
	// ToolCompleted is emitted when a tool call's result arrives.
	ToolCompleted Type = "tool_completed"
	// OrchestratorState is emitted on every orchestration loop state transition.
	OrchestratorState Type = "orchestrator_state"
)

// wildcard is the internal key for SubscribeAll handlers.
const wildcard Type = "*"

// Types returns every event type in a stable order.
func Types() []Type {
	return []Type{StatusUpdated, TaskChanged, PhaseChanged, ToolStarted, ToolCompleted, OrchestratorState}
}

// Event is an immutable notification. Handlers must not modify Data.
type Event struct {
	Type       Type
	Data       map[string]any
	Timestamp  time.Time
	InstanceID string
}

// New creates an Event stamped with the current time.
func New(t Type, data map[string]any, instanceID string) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Data: data, Timestamp: time.Now(), InstanceID: instanceID}
}

// ToMap renders the event as plain fields suitable for any serializer:
// type, data, an RFC 3339 timestamp, and instance_id when set.
func (e Event) ToMap() map[string]any {
	m := map[string]any{
		"type":      string(e.Type),
		"data":      e.Data,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.InstanceID != "" {
		m["instance_id"] = e.InstanceID
	}
	return m
}

// -----------------------------------------------------------------------------
// Payload builders
//
// Producers build Data through these so that field names stay consistent
// between the monitor, the runner and the orchestrator.
// -----------------------------------------------------------------------------

// TaskChangedData builds the payload of a TaskChanged event. oldStatus is
// empty for tasks that were not present in the previous snapshot.
func TaskChangedData(taskID, oldStatus, newStatus, description, phase string) map[string]any {
	return map[string]any{
		"task_id":     taskID,
		"old_status":  oldStatus,
		"new_status":  newStatus,
		"description": description,
		"phase":       phase,
	}
}

// PhaseChangedData builds the payload of a PhaseChanged event.
func PhaseChangedData(oldPhase, newPhase string) map[string]any {
	return map[string]any{
		"old_phase": oldPhase,
		"new_phase": newPhase,
	}
}

// ToolStartedData builds the payload of a ToolStarted event.
func ToolStartedData(toolID, name string, input map[string]any) map[string]any {
	return map[string]any{
		"tool_id": toolID,
		"name":    name,
		"input":   input,
	}
}

// ToolCompletedData builds the payload of a ToolCompleted event.
func ToolCompletedData(toolID, name string, duration time.Duration, success bool) map[string]any {
	return map[string]any{
		"tool_id":     toolID,
		"name":        name,
		"duration_ms": duration.Milliseconds(),
		"success":     success,
	}
}

// OrchestratorStateData builds the payload of an OrchestratorState event.
func OrchestratorStateData(state, previous, reason string) map[string]any {
	d := map[string]any{
		"state":          state,
		"previous_state": previous,
	}
	if reason != "" {
		d["reason"] = reason
	}
	return d
}
