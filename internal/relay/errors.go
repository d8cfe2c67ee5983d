package relay

import "fmt"

// Stage names the step of a turn that failed.
type Stage string

const (
	StageReset       Stage = "reset"
	StageSaveUser    Stage = "save_user"
	StageFetchWindow Stage = "fetch_window"
	StageInference   Stage = "inference"
	StageSaveReply   Stage = "save_reply"
)

// TurnError is the single failure kind a turn surfaces. The user only ever
// sees FailureNotice; Stage and Err go to the logs.
type TurnError struct {
	ConversationID int64
	Stage          Stage
	Err            error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn for conversation %d failed at %s: %v", e.ConversationID, e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
