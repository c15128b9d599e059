package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

// stageWorker is the shared shape of all five policies: a system prompt,
// an allowlist of slots the policy may write, and the generator it
// delegates text synthesis to.
type stageWorker struct {
	typ      contractx.WorkerType
	system   string
	writable map[string]struct{}
	gen      contractx.Generator
}

// workerLLMOutput is the structured reply contract every policy asks the
// model for.
type workerLLMOutput struct {
	Message    string            `json:"message"`
	SlotsPatch map[string]string `json:"slots_patch,omitempty"`
}

func newStageWorker(typ contractx.WorkerType, system string, gen contractx.Generator, writableSlots ...string) (*stageWorker, error) {
	if gen == nil {
		return nil, fmt.Errorf("%w: generator is required for worker=%s", contractx.ErrValidation, typ)
	}
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: worker=%s", contractx.ErrPromptMissing, typ)
	}
	writable := make(map[string]struct{}, len(writableSlots))
	for _, s := range writableSlots {
		writable[s] = struct{}{}
	}
	return &stageWorker{
		typ:      typ,
		system:   system,
		writable: writable,
		gen:      gen,
	}, nil
}

func (w *stageWorker) Respond(ctx context.Context, req contractx.WorkerRequest) (contractx.WorkerResponse, error) {
	if req.Session == nil {
		return contractx.WorkerResponse{}, fmt.Errorf("%w: nil session", contractx.ErrValidation)
	}

	raw, err := w.gen.Generate(ctx, contractx.GenerateRequest{
		System:  w.system,
		Context: workerContext(req.Session),
		History: req.Session.History,
	})
	if err != nil {
		return contractx.WorkerResponse{}, fmt.Errorf("%w: worker=%s: %v", contractx.ErrGeneration, w.typ, err)
	}

	out, err := parseWorkerOutput(raw)
	if err != nil {
		return contractx.WorkerResponse{}, fmt.Errorf("worker=%s: %w", w.typ, err)
	}

	delta := contractx.StateDelta{
		SlotsPatch: w.filterSlots(out.SlotsPatch),
	}

	switch w.typ {
	case contractx.WorkerSchedule:
		// A captured meeting time means the call is done after the next
		// router pass.
		if meetingAgreed(req.Session, delta.SlotsPatch) {
			delta.AdvanceTo = statex.StageEnd
		}
	case contractx.WorkerEnd:
		delta.EndCall = true
	}

	return contractx.WorkerResponse{
		Message: out.Message,
		Delta:   delta,
	}, nil
}

// filterSlots drops slots outside this policy's allowlist and empty
// values, so one policy can never clear or claim another's slots.
func (w *stageWorker) filterSlots(patch map[string]string) map[string]string {
	if len(patch) == 0 {
		return nil
	}
	out := make(map[string]string, len(patch))
	for k, v := range patch {
		if _, ok := w.writable[k]; !ok {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func meetingAgreed(session *statex.Session, patch map[string]string) bool {
	if strings.TrimSpace(patch[statex.SlotMeetingTime]) != "" {
		return true
	}
	return session.HasSlots(statex.SlotMeetingTime)
}

func workerContext(session *statex.Session) string {
	parts := []string{fmt.Sprintf("stage: %s", session.Stage)}
	if len(session.Slots) > 0 {
		if b, err := json.Marshal(session.Slots); err == nil {
			parts = append(parts, "known slots: "+string(b))
		}
	}
	return strings.Join(parts, "\n")
}

func parseWorkerOutput(raw string) (workerLLMOutput, error) {
	var out workerLLMOutput
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &out); err != nil {
		return workerLLMOutput{}, fmt.Errorf("%w: decode worker output: %v", contractx.ErrSchemaViolation, err)
	}
	out.Message = strings.TrimSpace(out.Message)
	if out.Message == "" {
		return workerLLMOutput{}, fmt.Errorf("%w: worker message is empty", contractx.ErrSchemaViolation)
	}
	return out, nil
}

func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	stop := strings.LastIndex(s, "}")
	if start >= 0 && stop > start {
		return s[start : stop+1]
	}
	return s
}
