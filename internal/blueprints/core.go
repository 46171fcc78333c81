// Package blueprints ships the built-in blueprints: the exercise suite
// used to verify a deployment end to end, and the pack installer.
package blueprints

import (
	"context"
	"fmt"
	"time"

	"loom/internal/domain/run"
	"loom/internal/engine"
)

// Blueprint names for the exercise suite.
const (
	EchoName         = "core.test.echo@v1"
	SleepName        = "core.test.sleep@v1"
	OrchestratorName = "core.test.orchestrator@v1"
)

// RegisterCore registers the exercise blueprints.
func RegisterCore(reg *engine.Registry) {
	reg.Register(EchoName, Echo)
	reg.Register(SleepName, Sleep)
	reg.Register(OrchestratorName, Orchestrator)
}

// Echo returns its inputs, stamped, from inside a single recorded step.
// The cheapest end-to-end check of the step and event machinery.
func Echo(ctx context.Context, rc *engine.RunContext, inputs run.Document) (run.Document, error) {
	return rc.Step(ctx, "echo", run.KindTransform, inputs, func(ctx context.Context, h *engine.StepHandle) error {
		if err := rc.EmitProgress(ctx, run.Document{"echoing": true}); err != nil {
			return err
		}
		h.SetOutputs(run.Document{
			"echo":      inputs,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
}

// Sleep sleeps for inputs.ms milliseconds inside a recorded step, then
// fails if inputs.fail is set. Exercises steps, progress events, and the
// failure path.
func Sleep(ctx context.Context, rc *engine.RunContext, inputs run.Document) (run.Document, error) {
	ms := intInput(inputs, "ms", 100)
	shouldFail := boolInput(inputs, "fail")

	_, err := rc.Step(ctx, "sleep", run.KindActionTask, inputs, func(ctx context.Context, h *engine.StepHandle) error {
		remaining := time.Duration(ms) * time.Millisecond
		for remaining > 0 {
			chunk := remaining
			if chunk > time.Second {
				chunk = time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunk):
			}
			remaining -= chunk
			if err := rc.EmitProgress(ctx, run.Document{"remaining_ms": remaining.Milliseconds()}); err != nil {
				return err
			}
		}
		h.SetOutputs(run.Document{"slept_ms": ms})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if shouldFail {
		return nil, fmt.Errorf("sleep blueprint failed on request")
	}
	return run.Document{"slept_ms": ms}, nil
}

// childSpec is one child of the orchestrator: which blueprint to spawn,
// with what inputs, under what idempotency key.
type childSpec struct {
	ref      string
	inputs   run.Document
	childKey string
}

// childSpecs decodes the children input: a list of
// {ref, inputs, child_key} objects. Missing fields fall back to a sleep
// child keyed by position; an absent list yields two default sleepers.
func childSpecs(inputs run.Document) []childSpec {
	raw, ok := inputs["children"].([]any)
	if !ok {
		return []childSpec{
			{ref: SleepName, inputs: run.Document{"ms": 50}, childKey: "child-0"},
			{ref: SleepName, inputs: run.Document{"ms": 50}, childKey: "child-1"},
		}
	}
	specs := make([]childSpec, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		spec := childSpec{
			ref:      strInput(run.Document(m), "ref", SleepName),
			childKey: strInput(run.Document(m), "child_key", fmt.Sprintf("child-%d", i)),
		}
		if in, ok := m["inputs"].(map[string]any); ok {
			spec.inputs = run.Document(in)
		}
		specs = append(specs, spec)
	}
	return specs
}

// Orchestrator spawns the requested children under idempotency keys and
// waits for them under the requested policy. Exercises the spawn and
// wait protocols in both sequential and parallel shapes.
//
// Inputs: mode ("all"|"any"), children ([{ref, inputs, child_key}]),
// fail_child_key (poisons the matching child with fail=true), parallel
// (spawn all before waiting).
func Orchestrator(ctx context.Context, rc *engine.RunContext, inputs run.Document) (run.Document, error) {
	mode := strInput(inputs, "mode", engine.WaitAll)
	failKey := strInput(inputs, "fail_child_key", "")
	parallel := boolInput(inputs, "parallel")
	specs := childSpecs(inputs)

	spawn := func(spec childSpec) (*run.Run, error) {
		in := spec.inputs
		if spec.childKey == failKey {
			poisoned := make(run.Document, len(in)+1)
			for k, v := range in {
				poisoned[k] = v
			}
			poisoned["fail"] = true
			in = poisoned
		}
		return rc.SpawnRun(ctx, spec.ref, in, engine.WithChildKey(spec.childKey))
	}

	var childIDs []string
	if parallel {
		for _, spec := range specs {
			child, err := spawn(spec)
			if err != nil {
				return nil, err
			}
			childIDs = append(childIDs, child.ID)
		}
		statuses, err := rc.WaitRuns(ctx, childIDs, mode, engine.WithTimeout(2*time.Minute))
		if err != nil {
			return nil, err
		}
		return orchestratorOutputs(childIDs, statuses), nil
	}

	// Sequential: each child must settle before the next spawns.
	statuses := make(map[string]run.Status, len(specs))
	for _, spec := range specs {
		child, err := spawn(spec)
		if err != nil {
			return nil, err
		}
		childIDs = append(childIDs, child.ID)
		got, err := rc.WaitRuns(ctx, []string{child.ID}, mode, engine.WithTimeout(2*time.Minute))
		if err != nil {
			return nil, err
		}
		statuses[child.ID] = got[child.ID]
	}
	return orchestratorOutputs(childIDs, statuses), nil
}

func orchestratorOutputs(childIDs []string, statuses map[string]run.Status) run.Document {
	byID := make(map[string]string, len(statuses))
	for runID, status := range statuses {
		byID[runID] = string(status)
	}
	return run.Document{
		"child_run_ids": childIDs,
		"statuses":      byID,
	}
}

// Input coercion: JSON numbers decode as float64, so numeric inputs pass
// through a float check.

func intInput(doc run.Document, key string, fallback int) int {
	switch v := doc[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func boolInput(doc run.Document, key string) bool {
	v, _ := doc[key].(bool)
	return v
}

func strInput(doc run.Document, key, fallback string) string {
	if v, ok := doc[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
