package contract

import (
	"context"

	statex "github.com/coffeebeans/dialflow/agent/state"
)

// Generator is the pluggable language capability. Any backend that can turn
// an instruction plus conversation context into text satisfies it.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Worker is one stage policy: given a session snapshot, produce a reply
// candidate and the state delta it implies. Workers never mutate the
// session they are handed.
type Worker interface {
	Respond(ctx context.Context, req WorkerRequest) (WorkerResponse, error)
}

// Registry resolves worker policies by type.
type Registry interface {
	Worker(t WorkerType) (Worker, error)
}

// Router selects the worker for the current turn. Pure over the snapshot
// it is given.
type Router interface {
	Decide(ctx context.Context, session *statex.Session) (Decision, error)
}

// Transport delivers a finished agent reply back over the real-time
// channel. Implementations own the frame chunking and last=true marker.
type Transport interface {
	SendReply(ctx context.Context, sessionID string, text string) error
	// Hangup tears the channel down after the terminal reply is delivered.
	Hangup(sessionID string) error
}

// Dialer is the call-management boundary: place an outbound call and
// return the provider's call identifier, which becomes the session id.
type Dialer interface {
	PlaceCall(ctx context.Context, phoneNumber string) (string, error)
}
