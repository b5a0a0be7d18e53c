// Package pipeline provides the high-level orchestration for the book
// publishing process: a fixed six-stage walk with durable progress, per-stage
// retry policies, and skip validation.
package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/retry"
)

// Stage names in pipeline order.
const (
	StageConcept    = "concept"
	StageManuscript = "manuscript"
	StageCover      = "cover"
	StageFormat     = "format"
	StageUpload     = "upload"
	StagePublish    = "publish"
)

// StageDef defines metadata for one pipeline stage. Dependencies must have
// succeeded before the stage runs; Optional stages feed in when present but
// may be skipped. Non-idempotent stages carry external side effects, so their
// retries go through the stable dedup key.
type StageDef struct {
	Name         string
	Dependencies []string
	Optional     []string
	Idempotent   bool
}

// Registry is the fixed stage table, in execution order.
var Registry = []StageDef{
	{
		Name:       StageConcept,
		Idempotent: true,
	},
	{
		Name:         StageManuscript,
		Dependencies: []string{StageConcept},
		Idempotent:   true,
	},
	{
		Name:         StageCover,
		Dependencies: []string{StageConcept},
		Idempotent:   true,
	},
	{
		Name:         StageFormat,
		Dependencies: []string{StageManuscript},
		Optional:     []string{StageCover},
		Idempotent:   true,
	},
	{
		Name:         StageUpload,
		Dependencies: []string{StageFormat},
		Optional:     []string{StageCover},
		Idempotent:   false,
	},
	{
		Name:         StagePublish,
		Dependencies: []string{StageFormat},
		Optional:     []string{StageUpload, StageCover},
		Idempotent:   false,
	},
}

// StageNames returns the registry's stage names in order.
func StageNames() []string {
	names := make([]string, len(Registry))
	for i, def := range Registry {
		names[i] = def.Name
	}
	return names
}

// stageDef looks a stage up by name.
func stageDef(name string) (StageDef, bool) {
	for _, def := range Registry {
		if def.Name == name {
			return def, true
		}
	}
	return StageDef{}, false
}

// SkipError reports an invalid skip combination before any stage runs.
type SkipError struct {
	Stage   string
	Skipped string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("cannot skip %q: stage %q requires it", e.Skipped, e.Stage)
}

// ValidateSkips rejects unknown stage names and any skip that would starve a
// non-skipped stage of a hard dependency. Transitive starvation falls out of
// checking every stage: a stage whose dependency is skipped fails directly.
func ValidateSkips(skip map[string]bool) error {
	var names []string
	for name := range skip {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !skip[name] {
			continue
		}
		if _, ok := stageDef(name); !ok {
			return fmt.Errorf("unknown stage %q", name)
		}
	}

	for _, def := range Registry {
		if skip[def.Name] {
			continue
		}
		for _, dep := range def.Dependencies {
			if skip[dep] {
				return &SkipError{Stage: def.Name, Skipped: dep}
			}
		}
	}
	return nil
}

// stagePolicy builds the retry policy for a stage from config, applying any
// per-stage timeout override.
func stagePolicy(cfg config.RetryConfig, stage string) retry.Policy {
	policy := retry.Policy{
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		TimeoutEscalation: cfg.TimeoutEscalation,
	}
	if sec, ok := cfg.StageTimeoutSec[stage]; ok && sec > 0 {
		policy.Timeout = time.Duration(sec) * time.Second
	}
	return policy
}
