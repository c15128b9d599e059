package router

import (
	"context"
	"errors"
	"testing"
	"time"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

type fakeGenerator struct {
	reply string
	err   error
	last  contractx.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req contractx.GenerateRequest) (string, error) {
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newSupervisor(t *testing.T, gen contractx.Generator) *Supervisor {
	t.Helper()
	s, err := New(gen, "classify the caller's intent", Config{})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return s
}

func sessionAt(stage statex.Stage) *statex.Session {
	s := statex.NewSession("call-1", "+15551234567", time.Now())
	s.Stage = stage
	return s
}

func fillDiscovery(s *statex.Session) {
	s.SetSlot(statex.SlotCompany, "Acme")
	s.SetSlot(statex.SlotRole, "CTO")
	s.SetSlot(statex.SlotIndustry, "fintech")
	s.SetSlot(statex.SlotChallenges, "fraud detection")
}

func TestNewRequiresGeneratorAndPrompt(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, "prompt", Config{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := New(&fakeGenerator{}, "  ", Config{}); !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("expected ErrPromptMissing, got %v", err)
	}
}

func TestTerminalStageRoutesToEndWorker(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{err: errors.New("must not be called")}
	sup := newSupervisor(t, gen)

	d, err := sup.Decide(context.Background(), sessionAt(statex.StageEnd))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Worker != contractx.WorkerEnd {
		t.Fatalf("worker = %s", d.Worker)
	}
	if gen.last.System != "" {
		t.Fatal("classifier ran on terminal stage")
	}
}

func TestStayKeepsStageWorker(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "stay", "confidence": 0.9}`}
	sup := newSupervisor(t, gen)

	d, err := sup.Decide(context.Background(), sessionAt(statex.StageServiceInfo))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Worker != contractx.WorkerServiceInfo || d.Route != contractx.RouteStay {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.NextStage != "" {
		t.Fatalf("stay should not set a next stage: %s", d.NextStage)
	}
}

func TestGarbageClassificationFailsSafeToStay(t *testing.T) {
	t.Parallel()

	for _, reply := range []string{
		"teleport_to_mars",
		`{"route": "teleport", "confidence": 0.99}`,
		"{not json at all",
		"",
	} {
		gen := &fakeGenerator{reply: reply}
		sup := newSupervisor(t, gen)

		d, err := sup.Decide(context.Background(), sessionAt(statex.StageQualify))
		if err != nil {
			t.Fatalf("reply %q: decide: %v", reply, err)
		}
		if d.Route != contractx.RouteStay || d.Worker != contractx.WorkerQualify {
			t.Fatalf("reply %q: expected stay, got %+v", reply, d)
		}
	}
}

func TestClassifierErrorFailsSafeToStay(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{err: errors.New("model unavailable")}
	sup := newSupervisor(t, gen)

	d, err := sup.Decide(context.Background(), sessionAt(statex.StageGatherInfo))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Route != contractx.RouteStay || d.Worker != contractx.WorkerGatherInfo {
		t.Fatalf("expected stay, got %+v", d)
	}
}

func TestAdvanceGatedOnDiscoverySlots(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "advance", "confidence": 0.8}`}
	sup := newSupervisor(t, gen)

	sess := sessionAt(statex.StageGatherInfo)
	d, err := sup.Decide(context.Background(), sess)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Route != contractx.RouteStay || d.Worker != contractx.WorkerGatherInfo {
		t.Fatalf("advance with incomplete discovery should stay, got %+v", d)
	}

	fillDiscovery(sess)
	d, err = sup.Decide(context.Background(), sess)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Route != contractx.RouteAdvance || d.NextStage != statex.StageServiceInfo || d.Worker != contractx.WorkerServiceInfo {
		t.Fatalf("expected advance to service_info, got %+v", d)
	}
}

func TestAdvanceMovesOneStage(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "advance", "confidence": 0.7}`}
	sup := newSupervisor(t, gen)

	d, err := sup.Decide(context.Background(), sessionAt(statex.StageQualify))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.NextStage != statex.StageSchedule || d.Worker != contractx.WorkerSchedule {
		t.Fatalf("expected advance to schedule, got %+v", d)
	}
}

func TestEndCallJumpsToEnd(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "end_call", "confidence": 0.95}`}
	sup := newSupervisor(t, gen)

	d, err := sup.Decide(context.Background(), sessionAt(statex.StageGatherInfo))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Worker != contractx.WorkerEnd || d.NextStage != statex.StageEnd {
		t.Fatalf("expected end decision, got %+v", d)
	}
}

func TestHumanHandoffRoutesToScheduleWorker(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "human_handoff", "confidence": 0.9}`}
	sup := newSupervisor(t, gen)

	sess := sessionAt(statex.StageServiceInfo)
	d, err := sup.Decide(context.Background(), sess)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Worker != contractx.WorkerSchedule || d.Route != contractx.RouteHumanHandoff {
		t.Fatalf("expected schedule worker for handoff, got %+v", d)
	}
	if d.NextStage != "" {
		t.Fatalf("handoff should not move stages: %s", d.NextStage)
	}
}

func TestFailureStreakForcesEnd(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "stay", "confidence": 0.9}`}
	sup := newSupervisor(t, gen)

	sess := sessionAt(statex.StageGatherInfo)
	sess.FailureStreak = 3
	d, err := sup.Decide(context.Background(), sess)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Worker != contractx.WorkerEnd || d.NextStage != statex.StageEnd {
		t.Fatalf("expected forced end, got %+v", d)
	}
	if gen.last.System != "" {
		t.Fatal("classifier ran past the failure guard")
	}
}

func TestMaxTurnsForcesEnd(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "stay", "confidence": 0.9}`}
	sup, err := New(gen, "classify", Config{MaxTurns: 2})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	now := time.Now()
	sess := sessionAt(statex.StageServiceInfo)
	sess.AppendTurn(statex.RoleUser, "one", now)
	sess.AppendTurn(statex.RoleAgent, "reply", now)
	sess.AppendTurn(statex.RoleUser, "two", now)

	d, err := sup.Decide(context.Background(), sess)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Worker != contractx.WorkerEnd || d.NextStage != statex.StageEnd {
		t.Fatalf("expected forced end at turn cap, got %+v", d)
	}
}

func TestClassifierSeesBoundedHistory(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: `{"route": "stay"}`}
	sup, err := New(gen, "classify", Config{HistoryWindow: 4, MaxTurns: 100})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	now := time.Now()
	sess := sessionAt(statex.StageGatherInfo)
	for i := 0; i < 10; i++ {
		sess.AppendTurn(statex.RoleUser, "u", now)
		sess.AppendTurn(statex.RoleAgent, "a", now)
	}

	if _, err := sup.Decide(context.Background(), sess); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(gen.last.History) != 4 {
		t.Fatalf("classifier history window = %d, want 4", len(gen.last.History))
	}
}

func TestParseRouteBareName(t *testing.T) {
	t.Parallel()

	r, _ := parseRoute(`"advance"`)
	if r != contractx.RouteAdvance {
		t.Fatalf("parse bare name = %s", r)
	}
	r, conf := parseRoute("Here you go:\n```json\n{\"route\": \"end_call\", \"confidence\": 0.5}\n```")
	if r != contractx.RouteEndCall || conf != 0.5 {
		t.Fatalf("parse fenced json = %s conf=%v", r, conf)
	}
}
