package contract

import (
	statex "github.com/coffeebeans/dialflow/agent/state"
)

// WorkerType identifies one of the five response policies.
type WorkerType string

const (
	WorkerGatherInfo  WorkerType = "gather_info"
	WorkerServiceInfo WorkerType = "service_info"
	WorkerQualify     WorkerType = "qualify"
	WorkerSchedule    WorkerType = "schedule"
	WorkerEnd         WorkerType = "end"
)

// Route is one of the recognized supervisor classifications for a user turn.
type Route string

const (
	RouteStay         Route = "stay"
	RouteAdvance      Route = "advance"
	RouteEndCall      Route = "end_call"
	RouteHumanHandoff Route = "human_handoff"
)

// RecognizedRoutes is the closed set the supervisor classifies against.
// Anything outside it falls back to RouteStay.
var RecognizedRoutes = []Route{RouteStay, RouteAdvance, RouteEndCall, RouteHumanHandoff}

// Decision is the supervisor's verdict for a single user turn.
type Decision struct {
	Worker     WorkerType   `json:"worker"`
	Route      Route        `json:"route"`
	NextStage  statex.Stage `json:"next_stage,omitempty"` // empty when staying
	Confidence float64      `json:"confidence,omitempty"` // 0 when the fast path decided
}

// GenerateRequest carries everything the language capability needs to
// produce one utterance: the per-stage instruction, a serialized view of
// the session, and the full ordered history.
type GenerateRequest struct {
	System  string        `json:"system"`
	Context string        `json:"context,omitempty"`
	History []statex.Turn `json:"history,omitempty"`
}

// WorkerRequest is the input to a worker policy: a session snapshot plus
// the user message that triggered the turn.
type WorkerRequest struct {
	Session     *statex.Session `json:"session"`
	UserMessage string          `json:"user_message"`
}

// StateDelta is the only way a worker influences session state. It is
// applied atomically by the orchestrator after generation completes.
type StateDelta struct {
	SlotsPatch map[string]string `json:"slots_patch,omitempty"`
	AdvanceTo  statex.Stage      `json:"advance_to,omitempty"` // empty = stay
	EndCall    bool              `json:"end_call,omitempty"`   // teardown after delivery
}

// WorkerResponse is a candidate reply plus the state changes it implies.
type WorkerResponse struct {
	Message string     `json:"message"`
	Delta   StateDelta `json:"delta,omitempty"`
}

// InboundEvent is one raw transport event: a partial or final transcript
// fragment for an active call.
type InboundEvent struct {
	SessionID    string `json:"session_id"`
	TransportSeq int64  `json:"transport_seq"`
	Final        bool   `json:"final"`
	Text         string `json:"text"`
}

// OutboundFrame is one fragment of a streamed agent reply. Last=true
// closes the agent's turn and tells the transport to resume listening.
type OutboundFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

const FrameTypeText = "text"
