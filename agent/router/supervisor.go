package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

const (
	defaultHistoryWindow    = 8
	defaultFailureThreshold = 3
	defaultMaxTurns         = 15
)

type Config struct {
	// HistoryWindow bounds how many recent turns the classifier sees.
	HistoryWindow int
	// FailureThreshold is how many consecutive generation failures force
	// routing straight to the end worker.
	FailureThreshold int
	// MaxTurns caps user turns per call before the call is wound down.
	MaxTurns int
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	return c
}

// Supervisor decides which worker policy handles the current turn. It is
// a pure decision function over the session snapshot it is given: the
// only side effect is a log line.
type Supervisor struct {
	gen    contractx.Generator
	system string
	cfg    Config
	logger zerolog.Logger
}

func New(gen contractx.Generator, system string, cfg Config) (*Supervisor, error) {
	if gen == nil {
		return nil, fmt.Errorf("%w: generator is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: supervisor prompt", contractx.ErrPromptMissing)
	}
	return &Supervisor{
		gen:    gen,
		system: system,
		cfg:    cfg.withDefaults(),
		logger: log.With().Str("component", "supervisor").Logger(),
	}, nil
}

type classification struct {
	Route      string  `json:"route"`
	Confidence float64 `json:"confidence"`
}

// Decide never fails on classification problems: anything the model
// returns outside the recognized route set collapses to "stay".
func (s *Supervisor) Decide(ctx context.Context, session *statex.Session) (contractx.Decision, error) {
	if session == nil {
		return contractx.Decision{}, fmt.Errorf("%w: nil session", contractx.ErrValidation)
	}

	// Terminal fast path.
	if session.Stage.Terminal() {
		return contractx.Decision{Worker: contractx.WorkerEnd, Route: contractx.RouteStay}, nil
	}

	// Degradation guards beat classification.
	if session.FailureStreak >= s.cfg.FailureThreshold {
		s.logger.Warn().Str("session_id", session.ID).Int("streak", session.FailureStreak).
			Msg("failure streak exceeded, winding call down")
		return s.endDecision(), nil
	}
	if userTurns(session) >= s.cfg.MaxTurns {
		s.logger.Info().Str("session_id", session.ID).Msg("max turns reached, winding call down")
		return s.endDecision(), nil
	}

	route, confidence := s.classify(ctx, session)

	switch route {
	case contractx.RouteEndCall:
		return contractx.Decision{
			Worker:     contractx.WorkerEnd,
			Route:      contractx.RouteEndCall,
			NextStage:  statex.StageEnd,
			Confidence: confidence,
		}, nil

	case contractx.RouteHumanHandoff:
		// No human bridge exists; the closest honest behavior is to
		// arrange a callback with the team.
		return contractx.Decision{
			Worker:     contractx.WorkerSchedule,
			Route:      contractx.RouteHumanHandoff,
			Confidence: confidence,
		}, nil

	case contractx.RouteAdvance:
		if next, ok := s.advanceTarget(session); ok {
			return contractx.Decision{
				Worker:     workerForStage(next),
				Route:      contractx.RouteAdvance,
				NextStage:  next,
				Confidence: confidence,
			}, nil
		}
		// Not ready to advance: fall through to stay.
	}

	return contractx.Decision{
		Worker:     workerForStage(session.Stage),
		Route:      contractx.RouteStay,
		Confidence: confidence,
	}, nil
}

func (s *Supervisor) endDecision() contractx.Decision {
	return contractx.Decision{
		Worker:    contractx.WorkerEnd,
		Route:     contractx.RouteEndCall,
		NextStage: statex.StageEnd,
	}
}

// advanceTarget applies the stage-advancement table: one step forward,
// gated on the discovery slots being complete before leaving gather_info.
func (s *Supervisor) advanceTarget(session *statex.Session) (statex.Stage, bool) {
	if session.Stage == statex.StageGatherInfo && !session.HasSlots(statex.DiscoverySlots...) {
		return "", false
	}
	return session.Stage.Next()
}

func (s *Supervisor) classify(ctx context.Context, session *statex.Session) (contractx.Route, float64) {
	req := contractx.GenerateRequest{
		System:  s.system,
		Context: classifierContext(session),
		History: session.RecentHistory(s.cfg.HistoryWindow),
	}

	raw, err := s.gen.Generate(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).
			Msg("classification failed, staying in current stage")
		return contractx.RouteStay, 0
	}

	return parseRoute(raw)
}

func classifierContext(session *statex.Session) string {
	parts := []string{
		fmt.Sprintf("stage: %s", session.Stage),
		fmt.Sprintf("user turns: %d", userTurns(session)),
	}
	if len(session.Slots) > 0 {
		if b, err := json.Marshal(session.Slots); err == nil {
			parts = append(parts, "known slots: "+string(b))
		}
	}
	return strings.Join(parts, "\n")
}

// parseRoute accepts either the JSON contract or a bare route name.
// Unrecognized output collapses to stay.
func parseRoute(raw string) (contractx.Route, float64) {
	trimmed := strings.TrimSpace(raw)

	var c classification
	if err := json.Unmarshal([]byte(extractJSONObject(trimmed)), &c); err == nil {
		if r, ok := recognizedRoute(c.Route); ok {
			return r, c.Confidence
		}
	}
	if r, ok := recognizedRoute(trimmed); ok {
		return r, 0
	}
	return contractx.RouteStay, 0
}

func recognizedRoute(raw string) (contractx.Route, bool) {
	candidate := contractx.Route(strings.ToLower(strings.Trim(strings.TrimSpace(raw), `"`)))
	for _, r := range contractx.RecognizedRoutes {
		if r == candidate {
			return r, true
		}
	}
	return "", false
}

// extractJSONObject pulls the outermost {...} from model output that may
// be wrapped in prose or markdown fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	stop := strings.LastIndex(s, "}")
	if start >= 0 && stop > start {
		return s[start : stop+1]
	}
	return s
}

func workerForStage(stage statex.Stage) contractx.WorkerType {
	switch stage {
	case statex.StageGatherInfo:
		return contractx.WorkerGatherInfo
	case statex.StageServiceInfo:
		return contractx.WorkerServiceInfo
	case statex.StageQualify:
		return contractx.WorkerQualify
	case statex.StageSchedule:
		return contractx.WorkerSchedule
	default:
		return contractx.WorkerEnd
	}
}

func userTurns(session *statex.Session) int {
	n := 0
	for _, t := range session.History {
		if t.Role == statex.RoleUser {
			n++
		}
	}
	return n
}
