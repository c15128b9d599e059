package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	promptx "github.com/coffeebeans/dialflow/agent/prompt"
	routerx "github.com/coffeebeans/dialflow/agent/router"
	statex "github.com/coffeebeans/dialflow/agent/state"
	workersx "github.com/coffeebeans/dialflow/agent/workers"
)

const waitFor = 2 * time.Second

// scriptedGen replays canned completions and records every request. The
// last reply repeats once the script runs out.
type scriptedGen struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   []contractx.GenerateRequest
}

func (g *scriptedGen) Generate(_ context.Context, req contractx.GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", errors.New("scripted generator exhausted")
	}
	reply := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	return reply, nil
}

func (g *scriptedGen) lastCall(t *testing.T) contractx.GenerateRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		t.Fatal("generator was never called")
	}
	return g.calls[len(g.calls)-1]
}

// blockingGen parks until its context is cancelled, signalling once it
// has been entered.
type blockingGen struct {
	started chan struct{}
}

func newBlockingGen() *blockingGen {
	return &blockingGen{started: make(chan struct{}, 1)}
}

func (g *blockingGen) Generate(ctx context.Context, _ contractx.GenerateRequest) (string, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return "", ctx.Err()
}

type sentReply struct {
	sessionID string
	text      string
}

type fakeTransport struct {
	replies chan sentReply
	hangups chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		replies: make(chan sentReply, 32),
		hangups: make(chan string, 8),
	}
}

func (f *fakeTransport) SendReply(_ context.Context, sessionID, text string) error {
	f.replies <- sentReply{sessionID: sessionID, text: text}
	return nil
}

func (f *fakeTransport) Hangup(sessionID string) error {
	f.hangups <- sessionID
	return nil
}

func (f *fakeTransport) waitReply(t *testing.T) sentReply {
	t.Helper()
	select {
	case r := <-f.replies:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a reply")
		return sentReply{}
	}
}

func (f *fakeTransport) waitHangup(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.hangups:
		return id
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for hangup")
		return ""
	}
}

func (f *fakeTransport) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-f.replies:
		t.Fatalf("unexpected reply: %q", r.text)
	case <-time.After(d):
	}
}

type testEnv struct {
	store *statex.MemoryStore
	tr    *fakeTransport
	svc   *Service
}

func newTestEnv(t *testing.T, supGen, workGen contractx.Generator, cfg Config) *testEnv {
	t.Helper()

	store := statex.NewMemoryStore()
	t.Cleanup(store.Stop)

	sup, err := routerx.New(supGen, promptx.Supervisor, routerx.Config{})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	reg, err := workersx.NewUniformRegistry(promptx.Load(), workGen)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	tr := newFakeTransport()
	svc, err := New(store, sup, reg, tr, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Shutdown)

	return &testEnv{store: store, tr: tr, svc: svc}
}

// connect starts a call and drains the greeting when one is configured.
func (e *testEnv) connect(t *testing.T, sessionID string) {
	t.Helper()
	if err := e.svc.OnCallConnected(context.Background(), sessionID, "+15551234567"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if e.svc.cfg.Greeting != "" {
		e.tr.waitReply(t)
	}
}

func (e *testEnv) session(t *testing.T, id string) *statex.Session {
	t.Helper()
	sess, err := e.store.Get(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess
}

func finalEvent(id string, seq int64, text string) contractx.InboundEvent {
	return contractx.InboundEvent{SessionID: id, TransportSeq: seq, Final: true, Text: text}
}

func stayReply() string { return `{"route": "stay", "confidence": 0.9}` }

func workerReply(msg string) string {
	return `{"message": "` + msg + `"}`
}

func TestConnectSendsGreetingOutsideHistory(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t,
		&scriptedGen{replies: []string{stayReply()}},
		&scriptedGen{replies: []string{workerReply("hi")}},
		Config{Greeting: promptx.Greeting},
	)

	if err := e.svc.OnCallConnected(context.Background(), "call-1", "+15551234567"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r := e.tr.waitReply(t)
	if r.sessionID != "call-1" || r.text != promptx.Greeting {
		t.Fatalf("unexpected greeting: %+v", r)
	}

	sess := e.session(t, "call-1")
	if len(sess.History) != 0 {
		t.Fatalf("greeting leaked into history: %+v", sess.History)
	}
	if sess.Stage != statex.StageGatherInfo || !sess.Connected {
		t.Fatalf("unexpected initial session: stage=%s connected=%v", sess.Stage, sess.Connected)
	}
}

func TestTurnYieldsExactlyOneReply(t *testing.T) {
	t.Parallel()

	workGen := &scriptedGen{replies: []string{
		`{"message": "Nice to meet you! What does Acme build?", "slots_patch": {"company": "Acme", "role": "CTO"}}`,
	}}
	e := newTestEnv(t, &scriptedGen{replies: []string{stayReply()}}, workGen, Config{})
	e.connect(t, "call-1")

	if err := e.svc.HandleEvent(finalEvent("call-1", 1, "My company is Acme, I'm the CTO.")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	r := e.tr.waitReply(t)
	if r.text != "Nice to meet you! What does Acme build?" {
		t.Fatalf("reply = %q", r.text)
	}
	e.tr.expectSilence(t, 200*time.Millisecond)

	sess := e.session(t, "call-1")
	if len(sess.History) != 2 {
		t.Fatalf("history length = %d", len(sess.History))
	}
	if sess.History[0].Role != statex.RoleUser || sess.History[1].Role != statex.RoleAgent {
		t.Fatalf("history order broken: %+v", sess.History)
	}
	if sess.Slots[statex.SlotCompany] != "Acme" || sess.Slots[statex.SlotRole] != "CTO" {
		t.Fatalf("slot patch not applied: %+v", sess.Slots)
	}
	if sess.Stage != statex.StageGatherInfo {
		t.Fatalf("stage moved without the full discovery set: %s", sess.Stage)
	}
	if sess.FailureStreak != 0 {
		t.Fatalf("failure streak = %d", sess.FailureStreak)
	}
	if err := sess.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAdvanceRunsNextStageWorker(t *testing.T) {
	t.Parallel()

	workGen := &scriptedGen{replies: []string{workerReply("For fintech we usually start with our AI practice.")}}
	e := newTestEnv(t,
		&scriptedGen{replies: []string{`{"route": "advance", "confidence": 0.8}`}},
		workGen,
		Config{},
	)
	e.connect(t, "call-1")

	if _, err := e.store.Mutate("call-1", func(sess *statex.Session) error {
		sess.SetSlot(statex.SlotCompany, "Acme")
		sess.SetSlot(statex.SlotRole, "CTO")
		sess.SetSlot(statex.SlotIndustry, "fintech")
		sess.SetSlot(statex.SlotChallenges, "fraud detection")
		return nil
	}); err != nil {
		t.Fatalf("seed slots: %v", err)
	}

	if err := e.svc.HandleEvent(finalEvent("call-1", 1, "What exactly do you offer?")); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	e.tr.waitReply(t)

	if got := workGen.lastCall(t).System; got != promptx.Load().ServiceInfo {
		t.Fatalf("wrong worker prompt ran:\n%s", got)
	}
	if sess := e.session(t, "call-1"); sess.Stage != statex.StageServiceInfo {
		t.Fatalf("stage = %s, want %s", sess.Stage, statex.StageServiceInfo)
	}
}

func TestDisconnectMidTurnDiscardsReply(t *testing.T) {
	t.Parallel()

	blocking := newBlockingGen()
	e := newTestEnv(t, &scriptedGen{replies: []string{stayReply()}}, blocking, Config{})
	e.connect(t, "call-1")

	if err := e.svc.HandleEvent(finalEvent("call-1", 1, "hello?")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	select {
	case <-blocking.started:
	case <-time.After(waitFor):
		t.Fatal("worker generation never started")
	}

	e.svc.OnCallEnded("call-1")

	e.tr.expectSilence(t, 300*time.Millisecond)
	if sess := e.session(t, "call-1"); sess.Connected {
		t.Fatal("session still connected after teardown")
	}
	if err := e.svc.HandleEvent(finalEvent("call-1", 2, "anyone?")); !errors.Is(err, statex.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after teardown, got %v", err)
	}
}

func TestGenerationFailureFallsBackAndKeepsCall(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t,
		&scriptedGen{replies: []string{stayReply()}},
		&scriptedGen{err: errors.New("model unavailable")},
		Config{},
	)
	e.connect(t, "call-1")

	if err := e.svc.HandleEvent(finalEvent("call-1", 1, "hello?")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	r := e.tr.waitReply(t)
	if r.text != promptx.Fallback {
		t.Fatalf("reply = %q, want fallback", r.text)
	}

	sess := e.session(t, "call-1")
	if !sess.Connected {
		t.Fatal("one failed turn must not end the call")
	}
	if sess.FailureStreak != 1 {
		t.Fatalf("failure streak = %d, want 1", sess.FailureStreak)
	}
	last := sess.History[len(sess.History)-1]
	if last.Role != statex.RoleAgent || last.Content != promptx.Fallback {
		t.Fatalf("fallback missing from history: %+v", last)
	}
}

func TestTurnTimeoutFallsBack(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t,
		&scriptedGen{replies: []string{stayReply()}},
		newBlockingGen(),
		Config{TurnTimeout: 50 * time.Millisecond},
	)
	e.connect(t, "call-1")

	if err := e.svc.HandleEvent(finalEvent("call-1", 1, "hello?")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	r := e.tr.waitReply(t)
	if r.text != promptx.Fallback {
		t.Fatalf("reply = %q, want fallback", r.text)
	}
	if sess := e.session(t, "call-1"); sess.FailureStreak != 1 || !sess.Connected {
		t.Fatalf("unexpected session after timeout: streak=%d connected=%v", sess.FailureStreak, sess.Connected)
	}
}

func TestPartialEventProducesNothing(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t,
		&scriptedGen{replies: []string{stayReply()}},
		&scriptedGen{replies: []string{workerReply("hi")}},
		Config{},
	)
	e.connect(t, "call-1")

	partial := contractx.InboundEvent{SessionID: "call-1", TransportSeq: 1, Final: false, Text: "my comp"}
	if err := e.svc.HandleEvent(partial); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	e.tr.expectSilence(t, 300*time.Millisecond)
	if sess := e.session(t, "call-1"); len(sess.History) != 0 {
		t.Fatalf("partial event appended turns: %+v", sess.History)
	}
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t,
		&scriptedGen{replies: []string{stayReply()}},
		&scriptedGen{replies: []string{workerReply("Got it.")}},
		Config{},
	)
	e.connect(t, "call-1")

	ev := finalEvent("call-1", 1, "we are a fintech startup")
	if err := e.svc.HandleEvent(ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if err := e.svc.HandleEvent(ev); err != nil {
		t.Fatalf("handle duplicate: %v", err)
	}

	e.tr.waitReply(t)
	e.tr.expectSilence(t, 300*time.Millisecond)

	if sess := e.session(t, "call-1"); len(sess.History) != 2 {
		t.Fatalf("duplicate event produced extra turns: %d", len(sess.History))
	}
}

func TestEndCallDeliversGoodbyeThenHangsUp(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t,
		&scriptedGen{replies: []string{`{"route": "end_call", "confidence": 0.95}`}},
		&scriptedGen{replies: []string{workerReply("Thanks for your time, goodbye!")}},
		Config{},
	)
	e.connect(t, "call-1")

	if err := e.svc.HandleEvent(finalEvent("call-1", 1, "not interested, thanks")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	if r := e.tr.waitReply(t); r.text != "Thanks for your time, goodbye!" {
		t.Fatalf("reply = %q", r.text)
	}
	if id := e.tr.waitHangup(t); id != "call-1" {
		t.Fatalf("hangup for %q", id)
	}

	// The pump unwinds right after the hangup.
	deadline := time.Now().Add(waitFor)
	for {
		err := e.svc.HandleEvent(finalEvent("call-1", 2, "wait"))
		if errors.Is(err, statex.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pump still accepting events: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sess := e.session(t, "call-1")
	if sess.Connected || sess.Stage != statex.StageEnd {
		t.Fatalf("unexpected final session: stage=%s connected=%v", sess.Stage, sess.Connected)
	}
}

func TestMeetingAgreedWindsCallDown(t *testing.T) {
	t.Parallel()

	workGen := &scriptedGen{replies: []string{
		`{"message": "Tuesday at 10am it is, the team will call you then.", "slots_patch": {"meetingTime": "Tuesday 10am"}}`,
		workerReply("Perfect, talk to you Tuesday. Goodbye!"),
	}}
	e := newTestEnv(t, &scriptedGen{replies: []string{stayReply()}}, workGen, Config{})
	e.connect(t, "call-1")

	if _, err := e.store.Mutate("call-1", func(sess *statex.Session) error {
		sess.Stage = statex.StageSchedule
		return nil
	}); err != nil {
		t.Fatalf("seed stage: %v", err)
	}

	if err := e.svc.HandleEvent(finalEvent("call-1", 1, "Tuesday morning works")); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	e.tr.waitReply(t)

	sess := e.session(t, "call-1")
	if sess.Stage != statex.StageEnd {
		t.Fatalf("stage = %s, want %s", sess.Stage, statex.StageEnd)
	}
	if sess.Slots[statex.SlotMeetingTime] != "Tuesday 10am" {
		t.Fatalf("meeting slot = %q", sess.Slots[statex.SlotMeetingTime])
	}

	// Next turn hits the terminal fast path and closes the call out.
	if err := e.svc.HandleEvent(finalEvent("call-1", 2, "great, thanks")); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if r := e.tr.waitReply(t); r.text != "Perfect, talk to you Tuesday. Goodbye!" {
		t.Fatalf("reply = %q", r.text)
	}
	e.tr.waitHangup(t)
}

func TestHandleEventUnknownSession(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t,
		&scriptedGen{replies: []string{stayReply()}},
		&scriptedGen{replies: []string{workerReply("hi")}},
		Config{},
	)

	if err := e.svc.HandleEvent(finalEvent("ghost", 1, "hello")); !errors.Is(err, statex.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
