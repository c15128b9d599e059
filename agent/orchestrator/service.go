package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	turnnode "github.com/coffeebeans/dialflow/agent/nodes"
	promptx "github.com/coffeebeans/dialflow/agent/prompt"
	statex "github.com/coffeebeans/dialflow/agent/state"
	transcriptx "github.com/coffeebeans/dialflow/agent/transcript"
)

const (
	defaultTurnTimeout = 20 * time.Second
	defaultQueueSize   = 16
)

type Config struct {
	// TurnTimeout bounds one full turn (routing + generation + apply).
	// On breach the fallback utterance is emitted and the session moves on.
	TurnTimeout time.Duration
	// QueueSize caps each session's inbound event queue; events past the
	// cap are dropped with a warning rather than blocking the transport.
	QueueSize int
	// Greeting is spoken when a call connects. Empty disables it.
	Greeting string
}

func (c Config) withDefaults() Config {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Service owns the per-session dialogue loops. Sessions are fully
// independent of each other; within one session all mutation is
// serialized through its pump goroutine.
type Service struct {
	store     statex.Store
	router    contractx.Router
	registry  contractx.Registry
	transport contractx.Transport

	graphRunner compose.Runnable[turnnode.GraphInput, turnnode.GraphOutput]

	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	pumps map[string]*pump

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type pump struct {
	sessionID string
	events    chan contractx.InboundEvent
	norm      *transcriptx.Normalizer
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(
	store statex.Store,
	router contractx.Router,
	registry contractx.Registry,
	transport contractx.Transport,
	cfg Config,
) (*Service, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}
	if registry == nil {
		return nil, errors.New("worker registry is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	s := &Service{
		store:      store,
		router:     router,
		registry:   registry,
		transport:  transport,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     log.With().Str("component", "orchestrator").Logger(),
		pumps:      make(map[string]*pump),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}

	graphRunner, err := s.compileTurnGraph(context.Background())
	if err != nil {
		rootCancel()
		return nil, err
	}
	s.graphRunner = graphRunner
	return s, nil
}

// OnCallConnected creates the session and starts its pump. The greeting
// goes over the wire only; history always begins with a user turn.
func (s *Service) OnCallConnected(ctx context.Context, sessionID, phoneNumber string) error {
	if _, err := s.store.Create(sessionID, phoneNumber); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(s.rootCtx)
	p := &pump{
		sessionID: sessionID,
		events:    make(chan contractx.InboundEvent, s.cfg.QueueSize),
		norm:      transcriptx.NewNormalizer(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.pumps[sessionID]; exists {
		s.mu.Unlock()
		cancel()
		return statex.ErrAlreadyExists
	}
	s.pumps[sessionID] = p
	s.mu.Unlock()

	go s.run(pumpCtx, p)

	s.logger.Info().Str("session_id", sessionID).Str("phone", phoneNumber).Msg("call connected")

	if s.cfg.Greeting != "" {
		if err := s.transport.SendReply(ctx, sessionID, s.cfg.Greeting); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("greeting delivery failed")
		}
	}
	return nil
}

// OnCallEnded tears the session down: the pump stops, any in-flight
// generation is cancelled, and the store entry is closed.
func (s *Service) OnCallEnded(sessionID string) {
	s.mu.Lock()
	p, ok := s.pumps[sessionID]
	if ok {
		delete(s.pumps, sessionID)
	}
	s.mu.Unlock()

	if ok {
		p.cancel()
	}
	if err := s.store.Close(sessionID); err != nil && !errors.Is(err, statex.ErrNotFound) {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("close session failed")
	}
	s.logger.Info().Str("session_id", sessionID).Msg("call ended")
}

// HandleEvent enqueues one raw transport event onto the session's pump.
// Unknown sessions surface ErrNotFound; a full queue drops the event.
func (s *Service) HandleEvent(ev contractx.InboundEvent) error {
	s.mu.Lock()
	p, ok := s.pumps[ev.SessionID]
	s.mu.Unlock()
	if !ok {
		return statex.ErrNotFound
	}

	select {
	case p.events <- ev:
		return nil
	default:
		s.logger.Warn().Str("session_id", ev.SessionID).Int64("transport_seq", ev.TransportSeq).
			Msg("event queue full, dropping event")
		return nil
	}
}

// ListActiveSessions exposes operational introspection over live calls.
func (s *Service) ListActiveSessions() []statex.Summary {
	return s.store.ListActive()
}

// GetSession returns a snapshot of one session.
func (s *Service) GetSession(sessionID string) (*statex.Session, error) {
	return s.store.Get(sessionID)
}

// Shutdown stops every pump. Sessions stay readable in the store until
// the janitor releases them.
func (s *Service) Shutdown() {
	s.rootCancel()
	s.mu.Lock()
	for id := range s.pumps {
		delete(s.pumps, id)
	}
	s.mu.Unlock()
}

// run is the single consumer for one session: events are normalized and
// processed strictly one at a time, so overlapping transport events can
// never race on history, stage, or slots.
func (s *Service) run(ctx context.Context, p *pump) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			text, ok, err := p.norm.Accept(ev)
			if err != nil {
				// Stale event: logged and discarded, never fatal.
				s.logger.Debug().Err(err).Str("session_id", p.sessionID).Msg("dropping transport event")
				continue
			}
			if !ok {
				continue
			}
			s.processTurn(ctx, p.sessionID, text)
		}
	}
}

func (s *Service) processTurn(ctx context.Context, sessionID, text string) {
	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	out, err := s.graphRunner.Invoke(turnCtx, turnnode.GraphInput{
		SessionID: sessionID,
		Text:      text,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Disconnected mid-turn; discard the result.
			return
		}
		s.recoverTurn(ctx, sessionID, err)
		return
	}

	s.sendReply(ctx, sessionID, out.Reply)

	if out.EndCall {
		s.logger.Info().Str("session_id", sessionID).Msg("terminal reply delivered")
		if err := s.transport.Hangup(sessionID); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("hangup failed")
		}
		s.OnCallEnded(sessionID)
	}
}

// recoverTurn upholds the one-reply-per-turn guarantee when the pipeline
// itself fails or times out: the fallback is appended and emitted.
func (s *Service) recoverTurn(ctx context.Context, sessionID string, cause error) {
	s.logger.Warn().Err(cause).Str("session_id", sessionID).Msg("turn failed, recovering with fallback")

	now := s.now()
	_, err := s.store.Mutate(sessionID, func(sess *statex.Session) error {
		sess.FailureStreak++
		sess.AppendTurn(statex.RoleAgent, promptx.Fallback, now)
		sess.Touch(now)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("fallback append failed")
		return
	}
	s.sendReply(ctx, sessionID, promptx.Fallback)
}

func (s *Service) sendReply(ctx context.Context, sessionID, text string) {
	if err := s.transport.SendReply(ctx, sessionID, text); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("reply delivery failed")
	}
}
