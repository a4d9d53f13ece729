// Package mutator seeds candidate populations. Generation is LLM-backed
// under the mutation skill route, with a deterministic textual fallback so
// a dead backend degrades the population instead of stalling the run.
package mutator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/reasoning"
	"github.com/promethean-dev/promethean/internal/types"
)

// Generator produces candidates for a target module.
type Generator struct {
	client *reasoning.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a candidate generator. A nil client forces the textual
// fallback for every candidate.
func New(client *reasoning.Client, logger *slog.Logger) *Generator {
	return &Generator{
		client: client,
		logger: logger.With("component", "mutator"),
		now:    time.Now,
	}
}

// Generate proposes up to count generation-0 candidates for the module.
// Backend failures are absorbed: each failed proposal falls back to a
// textual variant, and a candidate is dropped only when no variant can be
// built at all. Never returns an error.
func (g *Generator) Generate(ctx context.Context, module *types.ModuleRecord, count int, objective string) []*types.Candidate {
	candidates := make([]*types.Candidate, 0, count)

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			g.logger.Info("generation cut short by cancellation", "module", module.ModuleID, "produced", len(candidates))
			break
		}

		source, origin := g.propose(ctx, module, i, objective)
		if strings.TrimSpace(source) == "" {
			g.logger.Warn("empty proposal dropped", "module", module.ModuleID, "index", i)
			continue
		}

		candidates = append(candidates, &types.Candidate{
			ID:           uuid.New().String(),
			ModuleID:     module.ModuleID,
			Source:       source,
			Generation:   0,
			OriginPrompt: origin,
			CreatedAt:    g.now(),
		})
	}

	g.logger.Info("population seeded",
		"module", module.ModuleID,
		"requested", count,
		"produced", len(candidates),
	)
	return candidates
}

// MutateOffspring derives one mutated child from a parent candidate. Used
// by the evolutionary engine between generations. Falls back textually on
// backend failure; never returns nil.
func (g *Generator) MutateOffspring(ctx context.Context, parent *types.Candidate, objective string) *types.Candidate {
	source := ""
	origin := ""
	if g.client != nil {
		prompt := mutationPrompt(parent.Source, objective, parent.Generation+1)
		if out, err := g.invoke(ctx, prompt); err == nil {
			source, origin = out, prompt
		} else {
			g.logger.Warn("offspring mutation fell back to textual variant", "parent", parent.ID, "error", err)
		}
	}
	if strings.TrimSpace(source) == "" {
		source = textualVariant(parent.Source, parent.Generation+1)
		origin = "textual-fallback"
	}

	return &types.Candidate{
		ID:           uuid.New().String(),
		ModuleID:     parent.ModuleID,
		Source:       source,
		Lineage:      []string{parent.ID},
		Generation:   parent.Generation + 1,
		OriginPrompt: origin,
		CreatedAt:    g.now(),
	}
}

// propose returns one candidate source plus the prompt (or fallback marker)
// that produced it.
func (g *Generator) propose(ctx context.Context, module *types.ModuleRecord, index int, objective string) (string, string) {
	if g.client != nil {
		prompt := seedPrompt(module, index, objective)
		if out, err := g.invoke(ctx, prompt); err == nil && strings.TrimSpace(out) != "" {
			return out, prompt
		} else if err != nil {
			g.logger.Warn("backend proposal failed, using textual variant",
				"module", module.ModuleID, "index", index, "error", err)
		}
	}
	return textualVariant(module.Source, index), "textual-fallback"
}

func (g *Generator) invoke(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Invoke(ctx, config.SkillMutation, reasoning.Request{
		SystemPrompt: "You rewrite one module's source. Reply with the complete revised source only.",
		Messages:     []reasoning.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return extractCode(resp.Content), nil
}

func seedPrompt(module *types.ModuleRecord, index int, objective string) string {
	return fmt.Sprintf(`Module %q (version %d). Objective: %s
Propose revision variant %d. Keep behavior compatible with the benchmark suite.

Current source:
%s`, module.ModuleID, module.Version, objective, index+1, module.Source)
}

func mutationPrompt(source, objective string, generation int) string {
	return fmt.Sprintf(`Objective: %s
Apply one focused improvement for generation %d. Reply with the full revised source.

Source:
%s`, objective, generation, source)
}

// extractCode strips a markdown fence if the reply carries one.
func extractCode(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return content
	}
	lines = lines[1:] // drop opening fence with optional language tag
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// textualVariant derives a deterministic variant of the source. Distinct
// indexes give distinct sources so a seeded population is never uniform.
func textualVariant(source string, index int) string {
	trimmed := make([]string, 0)
	for _, line := range strings.Split(source, "\n") {
		trimmed = append(trimmed, strings.TrimRight(line, " \t"))
	}
	body := strings.Join(trimmed, "\n")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d\x00%s", index, body)))
	return fmt.Sprintf("# variant %d-%s\n%s", index, hex.EncodeToString(sum[:4]), body)
}
