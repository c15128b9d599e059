package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage is the current phase of the scripted dialogue. Transitions are
// linear and forward-only; StageEnd is terminal and may be jumped to
// directly from any stage.
type Stage string

const (
	StageGatherInfo  Stage = "gather_info"
	StageServiceInfo Stage = "service_info"
	StageQualify     Stage = "qualify"
	StageSchedule    Stage = "schedule"
	StageEnd         Stage = "end"
)

var stageOrder = []Stage{StageGatherInfo, StageServiceInfo, StageQualify, StageSchedule, StageEnd}

func (s Stage) Valid() bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

func (s Stage) Terminal() bool {
	return s == StageEnd
}

// Next returns the stage one step forward, or false at the end of the table.
func (s Stage) Next() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// CanAdvanceTo reports whether moving from s to target is a legal
// transition: one step forward, or a direct jump to StageEnd.
func (s Stage) CanAdvanceTo(target Stage) bool {
	if s.Terminal() {
		return false
	}
	if target == StageEnd {
		return true
	}
	next, ok := s.Next()
	return ok && next == target
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one utterance. Immutable once appended to history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Slot names the dialogue can extract.
const (
	SlotCompany     = "company"
	SlotRole        = "role"
	SlotIndustry    = "industry"
	SlotChallenges  = "challenges"
	SlotBudget      = "budget"
	SlotTimeline    = "timeline"
	SlotMeetingTime = "meetingTime"
)

// DiscoverySlots are the four slots the gather_info stage is responsible for.
var DiscoverySlots = []string{SlotCompany, SlotRole, SlotIndustry, SlotChallenges}

// KnownSlots is every slot name a worker may write.
var KnownSlots = []string{
	SlotCompany, SlotRole, SlotIndustry, SlotChallenges,
	SlotBudget, SlotTimeline, SlotMeetingTime,
}

var (
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrHistoryCorrupt    = errors.New("history ordering corrupt")
)

// Session is the full state of one ongoing call's dialogue. It is only
// ever mutated through Store.Mutate by the session's orchestrator pump.
type Session struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Stage       Stage  `json:"stage"`

	History []Turn            `json:"history,omitempty"`
	Slots   map[string]string `json:"slots,omitempty"`

	Connected bool  `json:"connected"`
	TurnSeq   int64 `json:"turn_seq"`

	// FailureStreak counts consecutive generation failures; the router
	// escalates to the end worker once it crosses the configured threshold.
	FailureStreak int `json:"failure_streak,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastEventAt time.Time `json:"last_event_at"`
}

func NewSession(id, phoneNumber string, now time.Time) *Session {
	return &Session{
		ID:          id,
		PhoneNumber: phoneNumber,
		Stage:       StageGatherInfo,
		Slots:       make(map[string]string, len(KnownSlots)),
		Connected:   true,
		CreatedAt:   now.UTC(),
		LastEventAt: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.LastEventAt = now.UTC()
}

// AppendTurn appends one utterance with the next sequence number.
func (s *Session) AppendTurn(role Role, content string, now time.Time) Turn {
	s.TurnSeq++
	t := Turn{
		Role:      role,
		Content:   content,
		Seq:       s.TurnSeq,
		Timestamp: now.UTC(),
	}
	s.History = append(s.History, t)
	return t
}

// SetSlot writes an extracted value. Empty values are dropped so a
// non-empty slot can only ever be overwritten, never cleared.
func (s *Session) SetSlot(key, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if s.Slots == nil {
		s.Slots = make(map[string]string, len(KnownSlots))
	}
	s.Slots[key] = value
}

// HasSlots reports whether every named slot holds a non-empty value.
func (s *Session) HasSlots(keys ...string) bool {
	for _, k := range keys {
		if strings.TrimSpace(s.Slots[k]) == "" {
			return false
		}
	}
	return true
}

// AdvanceStage moves the dialogue forward. Only one step forward or a
// direct jump to StageEnd is legal; StageEnd never transitions out.
func (s *Session) AdvanceStage(target Stage) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, target)
	}
	if target == s.Stage {
		return nil
	}
	if !s.Stage.CanAdvanceTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Stage, target)
	}
	s.Stage = target
	return nil
}

// LastUserTurn returns the most recent user utterance.
func (s *Session) LastUserTurn() (Turn, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			return s.History[i], true
		}
	}
	return Turn{}, false
}

// RecentHistory returns up to n most recent turns, oldest first.
func (s *Session) RecentHistory(n int) []Turn {
	if n <= 0 || len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Clone returns a deep copy safe to hand outside the store lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = append([]Turn(nil), s.History...)
	cp.Slots = make(map[string]string, len(s.Slots))
	for k, v := range s.Slots {
		cp.Slots[k] = v
	}
	return &cp
}

func (s *Session) Validate() error {
	if !s.Stage.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, s.Stage)
	}
	var prev int64
	for _, t := range s.History {
		if t.Seq <= prev {
			return fmt.Errorf("%w: seq %d after %d", ErrHistoryCorrupt, t.Seq, prev)
		}
		prev = t.Seq
	}
	if prev > s.TurnSeq {
		return fmt.Errorf("%w: turn_seq %d behind history %d", ErrHistoryCorrupt, s.TurnSeq, prev)
	}
	return nil
}

// Summary is the operational introspection view of a session.
type Summary struct {
	SessionID   string `json:"session_id"`
	PhoneNumber string `json:"phone_number"`
	Stage       Stage  `json:"stage"`
	TurnCount   int    `json:"turn_count"`
}

func (s *Session) Summary() Summary {
	return Summary{
		SessionID:   s.ID,
		PhoneNumber: s.PhoneNumber,
		Stage:       s.Stage,
		TurnCount:   len(s.History),
	}
}
