// Package generation is the built-in generation collaborator. It turns a
// prompt into deterministic spec deltas, texture candidates, and a build
// manifest, so a daemon runs end to end without an external model; a real
// model backend implements the same StepRunner contract.
package generation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/run"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// Config bounds the engine's output.
type Config struct {
	// CandidatesPerEntity is how many texture variants each entity gets.
	CandidatesPerEntity int

	// TextureBytes is the size of each generated variant blob.
	TextureBytes int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CandidatesPerEntity: 4,
		TextureBytes:        256,
	}
}

// Engine implements run.StepRunner and selection.Regenerator.
type Engine struct {
	config *Config
	logger *logging.Logger

	generations atomic.Uint64
}

// NewEngine creates an engine.
func NewEngine(cfg *Config, logger *logging.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CandidatesPerEntity <= 0 {
		cfg.CandidatesPerEntity = DefaultConfig().CandidatesPerEntity
	}
	if cfg.TextureBytes <= 0 {
		cfg.TextureBytes = DefaultConfig().TextureBytes
	}
	if logger == nil {
		l, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json"})
		if err != nil {
			panic(err)
		}
		logger = l
	}
	return &Engine{config: cfg, logger: logger.Named("generation")}
}

// RunStep executes one phase of a run.
func (e *Engine) RunStep(ctx context.Context, sc run.StepContext) (*run.StepResult, error) {
	switch sc.Phase {
	case run.PhaseAnalyze:
		return e.analyze(sc)
	case run.PhaseGenerate:
		return e.generate(sc)
	case run.PhaseImages:
		return e.images(sc)
	default:
		return nil, fmt.Errorf("unknown phase %q", sc.Phase)
	}
}

// analyze interprets the prompt. An empty prompt pauses the run for input
// rather than failing it.
func (e *Engine) analyze(sc run.StepContext) (*run.StepResult, error) {
	subject := sc.Prompt
	if subject == "" {
		subject = sc.Input
	}
	if subject == "" {
		return &run.StepResult{
			Logs:       []string{"prompt is empty"},
			NeedsInput: "describe what to add to the mod",
		}, nil
	}

	entity := Slug(subject)
	if entity == "" {
		return nil, fmt.Errorf("prompt %q yields no usable entity name", subject)
	}

	return &run.StepResult{
		Logs:     []string{fmt.Sprintf("interpreted prompt as entity %q", entity)},
		Progress: 100,
	}, nil
}

// generate proposes a spec delta appending the entity unless the spec
// already carries it. The step is re-entered after a rejection; it then
// continues without the change instead of proposing the same delta again.
func (e *Engine) generate(sc run.StepContext) (*run.StepResult, error) {
	entity := e.entityFor(sc)
	if entity == "" {
		return nil, fmt.Errorf("no entity to generate")
	}

	if sc.RejectedReason != "" {
		return &run.StepResult{
			Logs:     []string{fmt.Sprintf("continuing without %q after rejection: %s", entity, sc.RejectedReason)},
			Progress: 100,
		}, nil
	}

	if specHasItem(sc.Spec, entity) {
		return &run.StepResult{
			Logs:     []string{fmt.Sprintf("entity %q is already in the spec", entity)},
			Progress: 100,
		}, nil
	}

	item, err := json.Marshal(map[string]any{"id": entity, "source": "generated"})
	if err != nil {
		return nil, err
	}

	return &run.StepResult{
		Logs:     []string{fmt.Sprintf("proposing spec change adding %q", entity)},
		Progress: 100,
		DeltaOps: []v1.PatchOp{{Op: v1.OpAppend, Path: "items", Value: item}},
	}, nil
}

// images produces texture candidates for the entity (only when its spec
// entry survived approval) plus a manifest artifact describing the build.
func (e *Engine) images(sc run.StepContext) (*run.StepResult, error) {
	entity := e.entityFor(sc)
	res := &run.StepResult{Progress: 100}

	if entity != "" && specHasItem(sc.Spec, entity) {
		res.Candidates = []run.CandidateSet{{
			Entity:   entity,
			Variants: e.variants(sc.RunID, entity, 0),
		}}
		res.Logs = append(res.Logs, fmt.Sprintf("generated %d texture candidates for %q", e.config.CandidatesPerEntity, entity))
	}

	manifest, err := json.Marshal(map[string]any{
		"run_id":       sc.RunID,
		"spec_version": sc.SpecVersion,
		"entity":       entity,
	})
	if err != nil {
		return nil, err
	}
	res.Artifacts = []run.ArtifactSpec{{
		Name:     "manifest.json",
		Content:  manifest,
		Metadata: map[string]string{"kind": "manifest"},
	}}
	res.Logs = append(res.Logs, "wrote build manifest")
	return res, nil
}

// Regenerate produces a fresh candidate set for the entity. Each call
// yields a different generation so a dissatisfied caller sees new
// variants.
func (e *Engine) Regenerate(ctx context.Context, runID, entity string) ([][]byte, error) {
	generation := e.generations.Add(1)
	e.logger.Info(ctx, "regenerating texture candidates",
		zap.String("run_id", runID),
		zap.String("entity", entity),
		zap.Uint64("generation", generation))
	return e.variants(runID, entity, generation), nil
}

// variants derives CandidatesPerEntity opaque blobs from the run, entity,
// and generation counter. Deterministic for a given triple.
func (e *Engine) variants(runID, entity string, generation uint64) [][]byte {
	out := make([][]byte, e.config.CandidatesPerEntity)
	for i := range out {
		seed := make([]byte, 8)
		binary.BigEndian.PutUint64(seed, generation)
		h := blake3.New()
		_, _ = h.Write([]byte(runID))
		_, _ = h.Write([]byte(entity))
		_, _ = h.Write(seed)
		_, _ = h.Write([]byte{byte(i)})

		blob := make([]byte, e.config.TextureBytes)
		_, _ = h.Digest().Read(blob)
		out[i] = blob
	}
	return out
}

func (e *Engine) entityFor(sc run.StepContext) string {
	if sc.Prompt != "" {
		return Slug(sc.Prompt)
	}
	return Slug(sc.Input)
}

// specHasItem reports whether the spec's items array already contains an
// entry with the given id.
func specHasItem(spec []byte, entity string) bool {
	items := gjson.GetBytes(spec, "items")
	if !items.IsArray() {
		return false
	}
	found := false
	items.ForEach(func(_, item gjson.Result) bool {
		if item.Get("id").String() == entity {
			found = true
			return false
		}
		return true
	})
	return found
}

// Slug reduces free text to a stable snake_case identifier.
func Slug(text string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
