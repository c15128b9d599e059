package workers

import (
	"fmt"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	promptx "github.com/coffeebeans/dialflow/agent/prompt"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

type registryImpl struct {
	workers map[contractx.WorkerType]contractx.Worker
}

func (r *registryImpl) Worker(t contractx.WorkerType) (contractx.Worker, error) {
	w, ok := r.workers[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown worker=%s", contractx.ErrValidation, t)
	}
	return w, nil
}

// NewRegistry builds the five stage policies. The generator resolver lets
// callers run different models per worker (or the same one for all).
func NewRegistry(prompts promptx.Set, genFor func(contractx.WorkerType) contractx.Generator) (contractx.Registry, error) {
	if genFor == nil {
		return nil, fmt.Errorf("%w: generator resolver is required", contractx.ErrValidation)
	}

	specs := []struct {
		typ   contractx.WorkerType
		slots []string
	}{
		{contractx.WorkerGatherInfo, statex.DiscoverySlots},
		{contractx.WorkerServiceInfo, nil}, // read-only over slots
		{contractx.WorkerQualify, []string{statex.SlotBudget, statex.SlotTimeline}},
		{contractx.WorkerSchedule, []string{statex.SlotMeetingTime}},
		{contractx.WorkerEnd, nil},
	}

	out := &registryImpl{workers: make(map[contractx.WorkerType]contractx.Worker, len(specs))}
	for _, spec := range specs {
		system, err := prompts.ForWorker(spec.typ)
		if err != nil {
			return nil, err
		}
		w, err := newStageWorker(spec.typ, system, genFor(spec.typ), spec.slots...)
		if err != nil {
			return nil, err
		}
		out.workers[spec.typ] = w
	}
	return out, nil
}

// NewUniformRegistry is a convenience for a single generator backend.
func NewUniformRegistry(prompts promptx.Set, gen contractx.Generator) (contractx.Registry, error) {
	return NewRegistry(prompts, func(contractx.WorkerType) contractx.Generator { return gen })
}
