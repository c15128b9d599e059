package turnnode

import (
	"errors"
	"strings"
	"time"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

var (
	ErrInvalidSession = errors.New("session id is empty")
	ErrInvalidTurn    = errors.New("turn text is empty")
)

// GraphInput is one normalized user turn entering the pipeline.
type GraphInput struct {
	SessionID string
	Text      string
}

// GraphOutput is the single agent reply the pipeline guarantees per
// accepted user turn.
type GraphOutput struct {
	Reply   string
	EndCall bool
}

// GraphState threads through the turn pipeline nodes.
type GraphState struct {
	SessionID string
	Text      string
	Now       time.Time

	// Session is the post-append snapshot the router and worker see.
	Session  *statex.Session
	Decision contractx.Decision
	Response contractx.WorkerResponse

	// Fallback marks that generation failed and the fixed utterance was
	// substituted; the failure streak advances instead of resetting.
	Fallback bool
}

func ValidateTurn(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidTurn
	}
	return &GraphState{
		SessionID: sessionID,
		Text:      text,
		Now:       nowFn().UTC(),
	}, nil
}
