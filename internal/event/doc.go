// Package event provides the in-process pub-sub bus that connects planloop's
// producers (status monitor, session runner, orchestration loop) to any
// number of observers such as a terminal UI or a presentation server.
//
// # Event Types
//
// The set of event types is closed:
//
//   - [StatusUpdated]: the plan state document changed; Data is the document
//   - [TaskChanged]: one task's status changed
//   - [PhaseChanged]: the plan's current phase moved
//   - [ToolStarted] / [ToolCompleted]: coding-agent tool call lifecycle
//   - [OrchestratorState]: orchestration loop state transition
//
// # Delivery
//
// [Bus.Emit] dispatches synchronously, in registration order, on the caller's
// goroutine. [Bus.EmitQueued] is for producers that must never wait on
// observers; the event is buffered and delivered by the goroutine launched
// by [Bus.Start]. Handlers tagged with [Blocking] always run on a fixed set
// of worker goroutines, whichever path delivered the event; dispatch hands
// them off without waiting and drops the delivery if their backlog is full.
//
// A panicking handler is logged and skipped; remaining handlers still run.
//
// # Usage
//
//	bus := event.NewBus(event.DefaultConfig(), logger)
//	bus.Start(ctx)
//	defer bus.Stop()
//
//	bus.Subscribe(event.TaskChanged, func(e event.Event) {
//	    fmt.Println(e.Data["task_id"], e.Data["new_status"])
//	}, event.WithInstanceFilter(instanceID))
package event
