// Package dispatch commits workflow effects and runs the triggers they
// schedule.
//
// Commit is the only path by which an Effect reaches the store:
//   - The cell's write slot is taken, so at most one commit per cell is in
//     flight. Different cells commit in parallel.
//   - Workspace writes, chain appends and triggers are applied in one
//     transaction. Triggers are rows in trigger_queue; a trigger whose
//     (cell, kind, subject) is already pending is coalesced into it.
//   - Signals are published in Effect order only after the transaction
//     commits, and before the write slot is released, so per-cell signal
//     order follows commit order. Publishing never blocks on subscribers.
//   - Callbacks run last. Their failures are logged.
//
// Once Commit starts it ignores cancellation of its context; a commit either
// lands whole or not at all.
//
// The worker pool claims pending triggers oldest first. A cell with a
// running trigger is skipped until it finishes, so each cell sees its
// triggers in commit order while other cells proceed in parallel.
//
// Error handling:
//   - Store failure during commit -> DispatchError, nothing committed,
//     no signals
//   - Unknown trigger kind -> trigger failed (NotImplemented)
//   - Workflow failure -> trigger failed with the error text
//   - Crash while running -> row reset to pending at next Start
package dispatch
