// Package gate is the single authoritative checkpoint before any persistent
// mutation. A candidate that survived evolution still needs approval here;
// a rejection is terminal for its run.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/promethean-dev/promethean/internal/axioms"
	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/reasoning"
	"github.com/promethean-dev/promethean/internal/types"
)

// ReasonProtected is the rejection reason for protected modules. It is a
// stable string: run records and tests match on it.
const ReasonProtected = "protected"

// Gate approves or rejects promoted candidates.
type Gate struct {
	cfg     *config.Config
	control *Controller
	doc     axioms.Document
	client  *reasoning.Client
	logger  *slog.Logger
}

// New creates the gate. doc is the compiled axiom document; client may be
// nil when no policy judge is configured.
func New(cfg *config.Config, doc axioms.Document, client *reasoning.Client, logger *slog.Logger) *Gate {
	controlPath := cfg.Gate.ControlPath
	if controlPath == "" {
		controlPath = cfg.Server.DataDir + "/gate.json"
	}
	return &Gate{
		cfg:     cfg,
		control: NewController(controlPath, logger),
		doc:     doc,
		client:  client,
		logger:  logger.With("component", "gate"),
	}
}

// Approve decides whether candidate may replace target. It returns the
// verdict and a reason; the caller records both and must call it exactly
// once per promoted candidate.
func (g *Gate) Approve(ctx context.Context, cand *types.Candidate, target *types.ModuleRecord) (bool, string) {
	if target.Protected {
		g.logger.Warn("rejected mutation of protected module", "module", target.ModuleID, "candidate", cand.ID)
		return false, ReasonProtected
	}

	if !g.control.Allowed() {
		g.logger.Warn("self-modification disabled by control file", "candidate", cand.ID)
		return false, "self-modification disabled"
	}

	config.RLock()
	gateCfg := g.cfg.Gate
	config.RUnlock()

	constraints := Constraints{
		BlockedPatterns: gateCfg.BlockedPatterns,
		MaxSourceBytes:  gateCfg.MaxSourceBytes,
	}

	if gateCfg.OwnerPublicKey != "" {
		if ok, reason := g.verifySignature(constraints, gateCfg); !ok {
			return false, reason
		}
	}

	if gateCfg.MaxSourceBytes > 0 && len(cand.Source) > gateCfg.MaxSourceBytes {
		return false, fmt.Sprintf("policy violation: source exceeds %d bytes", gateCfg.MaxSourceBytes)
	}

	patterns := append([]string{}, gateCfg.BlockedPatterns...)
	patterns = append(patterns, g.doc.Strings("constraints.forbidden.patterns")...)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(cand.Source, pattern) {
			g.logger.Warn("rejected candidate on blocked pattern", "candidate", cand.ID, "pattern", pattern)
			return false, fmt.Sprintf("policy violation: blocked pattern %q", pattern)
		}
	}

	if gateCfg.PolicyJudge && g.client != nil {
		if ok, reason := g.judgePolicy(ctx, cand, target); !ok {
			return false, reason
		}
	}

	g.logger.Info("candidate approved", "candidate", cand.ID, "module", target.ModuleID)
	return true, "approved"
}

// verifySignature checks that the active constraints match the owner's
// signature. Tampered or unverifiable constraints reject everything: the
// gate refuses to run on rules it cannot trust.
func (g *Gate) verifySignature(constraints Constraints, gateCfg config.GateConfig) (bool, string) {
	pub, err := DecodeKey(gateCfg.OwnerPublicKey)
	if err != nil {
		g.logger.Error("owner public key unusable", "error", err)
		return false, "constraint signature unverifiable"
	}
	sig, err := DecodeSignature(gateCfg.ConstraintSignature)
	if err != nil {
		g.logger.Error("constraint signature unusable", "error", err)
		return false, "constraint signature unverifiable"
	}
	ok, err := VerifyConstraints(constraints, sig, pub)
	if err != nil {
		g.logger.Error("constraint verification failed", "error", err)
		return false, "constraint signature unverifiable"
	}
	if !ok {
		g.logger.Error("constraint signature mismatch, constraints may be tampered")
		return false, "constraint signature invalid"
	}
	return true, ""
}

// judgePolicy asks the policy model for a verdict. The judge fails closed:
// an unreachable backend rejects the candidate rather than waving it
// through unreviewed.
func (g *Gate) judgePolicy(ctx context.Context, cand *types.Candidate, target *types.ModuleRecord) (bool, string) {
	prompt := fmt.Sprintf(`Module: %s
Candidate source:
%s

Does this revision violate safety policy (destructive commands, data
exfiltration, self-replication, disabling safety checks)? Reply with exactly
APPROVE or REJECT: <reason>.`, target.ModuleID, cand.Source)

	resp, err := g.client.Invoke(ctx, config.SkillPolicyJudge, reasoning.Request{
		SystemPrompt: "You are a safety reviewer for self-modifying code. Be strict.",
		Messages:     []reasoning.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		g.logger.Error("policy judge unavailable, failing closed", "candidate", cand.ID, "error", err)
		return false, "policy judge unavailable"
	}

	verdict := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(strings.ToUpper(verdict), "APPROVE") {
		return true, ""
	}
	reason := verdict
	if idx := strings.Index(verdict, ":"); idx >= 0 {
		reason = strings.TrimSpace(verdict[idx+1:])
	}
	if reason == "" {
		reason = "policy judge rejected"
	}
	return false, "policy violation: " + reason
}
