package chat

import (
	"context"

	"github.com/qmuntal/stateless"
)

// State is the reconciliation state of one conversation.
type State string

const (
	StateIdle               State = "Idle"
	StateAwaitingFirstChunk State = "AwaitingFirstChunk"
	StateStreaming          State = "Streaming"
	StateCommitted          State = "Committed" // transient: resets to Idle
	StateFailed             State = "Failed"    // transient: resets to Idle
)

// Trigger moves a conversation between states.
type Trigger string

const (
	TriggerSubmit Trigger = "Submit"
	TriggerChunk  Trigger = "Chunk"
	TriggerFinish Trigger = "Finish"
	TriggerFail   Trigger = "Fail"
	// TriggerAbort returns to Idle when the user message could not be saved.
	TriggerAbort Trigger = "Abort"
	TriggerReset Trigger = "Reset"
)

// newMachine builds the per-conversation state machine:
//
//	Idle -> AwaitingFirstChunk -> Streaming -> Committed | Failed -> Idle
//
// A stream that finishes or fails before its first chunk skips Streaming.
// Committed and Failed fire Reset on entry; the default queued firing mode
// runs it before the outer Fire returns, so callers observe Idle afterwards.
func newMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerSubmit, StateAwaitingFirstChunk)

	fsm.Configure(StateAwaitingFirstChunk).
		Permit(TriggerChunk, StateStreaming).
		Permit(TriggerFinish, StateCommitted).
		Permit(TriggerFail, StateFailed).
		Permit(TriggerAbort, StateIdle)

	fsm.Configure(StateStreaming).
		Ignore(TriggerChunk).
		Permit(TriggerFinish, StateCommitted).
		Permit(TriggerFail, StateFailed)

	reset := func(ctx context.Context, _ ...any) error {
		return fsm.FireCtx(ctx, TriggerReset)
	}
	fsm.Configure(StateCommitted).
		OnEntry(reset).
		Permit(TriggerReset, StateIdle)
	fsm.Configure(StateFailed).
		OnEntry(reset).
		Permit(TriggerReset, StateIdle)

	return fsm
}

func currentState(fsm *stateless.StateMachine) State {
	return fsm.MustState().(State)
}
