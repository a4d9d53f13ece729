package reasoning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// StubProvider is a deterministic offline backend. It ships as the default
// route target so the orchestrator runs end to end with no API keys, and
// tests use it for reproducible skill invocations.
type StubProvider struct {
	name string
	// Respond overrides the default deterministic reply.
	Respond func(req Request) (string, error)
}

// NewStubProvider creates a stub provider registered under "stub".
func NewStubProvider() *StubProvider {
	return &StubProvider{name: "stub"}
}

func (p *StubProvider) Name() string { return p.name }

func (p *StubProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := ""
	if p.Respond != nil {
		var err error
		content, err = p.Respond(req)
		if err != nil {
			return nil, err
		}
	} else {
		content = defaultStubReply(req)
	}

	return &Response{
		Content:      content,
		Model:        "stub/" + req.Model,
		TokensInput:  lenTokens(req),
		TokensOutput: len(content) / 4,
		FinishReason: "stop",
	}, nil
}

// defaultStubReply echoes the last user message with a digest marker so the
// output is stable for identical input and distinct for distinct input.
func defaultStubReply(req Request) string {
	last := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	sum := sha256.Sum256([]byte(req.SystemPrompt + "\x00" + last))
	return fmt.Sprintf("# rev %s\n%s", hex.EncodeToString(sum[:4]), last)
}

func lenTokens(req Request) int {
	n := len(req.SystemPrompt)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n / 4
}
