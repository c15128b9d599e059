package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	llmx "github.com/coffeebeans/dialflow/agent/llm"
	"github.com/coffeebeans/dialflow/agent/orchestrator"
	promptx "github.com/coffeebeans/dialflow/agent/prompt"
	routerx "github.com/coffeebeans/dialflow/agent/router"
	statex "github.com/coffeebeans/dialflow/agent/state"
	"github.com/coffeebeans/dialflow/agent/transport"
	"github.com/coffeebeans/dialflow/agent/workers"
	configx "github.com/coffeebeans/dialflow/pkg/config"
	dialerx "github.com/coffeebeans/dialflow/pkg/dialer"
	logx "github.com/coffeebeans/dialflow/pkg/logger"
)

type AppConfig struct {
	Addr             string        `envconfig:"ADDR" default:":8080"`
	TurnTimeout      time.Duration `envconfig:"TURN_TIMEOUT" split_words:"true" default:"20s"`
	MaxTurns         int           `envconfig:"MAX_TURNS" split_words:"true" default:"15"`
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" split_words:"true" default:"3"`
	SessionIdleTTL   time.Duration `envconfig:"SESSION_IDLE_TTL" split_words:"true" default:"5m"`
}

func main() {
	logCfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*logCfg)

	appCfg := configx.MustNew[AppConfig]("APP")
	llmCfg := configx.MustNew[llmx.Config]("LLM")
	dialerCfg := configx.MustNew[dialerx.Config]("DIALER")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := statex.NewMemoryStore(statex.WithIdleTTL(appCfg.SessionIdleTTL))
	defer store.Stop()

	prompts := promptx.Load()

	supervisorGen, err := llmx.NewGenerator(ctx, *llmCfg, llmx.ComponentSupervisor)
	if err != nil {
		log.Fatal().Err(err).Msg("create supervisor model")
	}
	workerGen, err := llmx.NewGenerator(ctx, *llmCfg, llmx.ComponentWorker)
	if err != nil {
		log.Fatal().Err(err).Msg("create worker model")
	}

	sup, err := routerx.New(supervisorGen, prompts.Supervisor, routerx.Config{
		FailureThreshold: appCfg.FailureThreshold,
		MaxTurns:         appCfg.MaxTurns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create supervisor")
	}

	registry, err := workers.NewRegistry(prompts, func(contractx.WorkerType) contractx.Generator {
		return workerGen
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create worker registry")
	}

	ws := transport.NewWSAdapter(transport.Config{})

	svc, err := orchestrator.New(store, sup, registry, ws, orchestrator.Config{
		TurnTimeout: appCfg.TurnTimeout,
		Greeting:    promptx.Greeting,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create orchestrator")
	}
	defer svc.Shutdown()
	ws.SetHandler(svc)

	dial := dialerx.MustNew(*dialerCfg)

	mux := http.NewServeMux()
	mux.Handle("/media", ws)
	mux.HandleFunc("POST /calls", initiateCall(dial))
	mux.HandleFunc("GET /calls/active", listActive(svc))
	mux.HandleFunc("GET /sessions/{id}", getSession(svc))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	srv := &http.Server{Addr: appCfg.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", appCfg.Addr).Msg("dialflow listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func initiateCall(dial contractx.Dialer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PhoneNumber string `json:"phone_number"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.PhoneNumber) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phone_number is required"})
			return
		}

		sid, err := dial.PlaceCall(r.Context(), req.PhoneNumber)
		if err != nil {
			log.Error().Err(err).Str("phone", req.PhoneNumber).Msg("place call failed")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"call_sid": sid, "status": "initiated"})
	}
}

func listActive(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sessions := svc.ListActiveSessions()
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": sessions,
			"count":    len(sessions),
		})
	}
}

func getSession(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := svc.GetSession(r.PathValue("id"))
		if err != nil {
			if errors.Is(err, statex.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encode response")
	}
}
