package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/vendaflow/vendaflow/config"
)

// FallbackReply is returned when a turn completes nothing at all.
const FallbackReply = "I couldn't complete anything from that message. Could you rephrase what you need?"

// Synthesizer folds the turn's segments into the single reply the
// user sees. Zero segments yield the deterministic fallback, one
// segment is returned verbatim, several are aggregated by the model
// with failures reported in their own clause.
type Synthesizer struct {
	config *config.Config
	llm    LLMProvider
	logger *log.Logger
}

// NewSynthesizer creates a synthesizer instance.
func NewSynthesizer(cfg *config.Config, llm LLMProvider) *Synthesizer {
	return &Synthesizer{
		config: cfg,
		llm:    llm,
		logger: log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// Synthesize produces the turn's reply from its segments.
func (s *Synthesizer) Synthesize(ctx context.Context, turnText string, segments []ResponseSegment, tc *TurnContext) string {
	switch len(segments) {
	case 0:
		return FallbackReply
	case 1:
		return segments[0].Text
	}

	var done, failed []string
	for _, seg := range segments {
		if seg.OK {
			done = append(done, seg.Text)
		} else {
			failed = append(failed, seg.Text)
		}
	}

	prompt := s.buildPrompt(turnText, done, failed)
	reply, err := generateTracked(ctx, s.llm, tc, prompt, s.config.LLM.Routing.Synthesis, map[string]interface{}{
		"temperature": 0.4,
		"max_tokens":  500,
	})
	if err != nil {
		// The turn still gets a reply when the model is down.
		s.logger.Printf("synthesis model failed, using deterministic join: %v", err)
		return deterministicJoin(done, failed)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return deterministicJoin(done, failed)
	}
	return reply
}

func (s *Synthesizer) buildPrompt(turnText string, done, failed []string) string {
	var b strings.Builder
	b.WriteString(`You are a CRM assistant reporting back after executing the user's requests. Write one short reply, in the user's language, covering everything below. Do not invent results that are not listed.

`)
	fmt.Fprintf(&b, "User message: %s\n", turnText)
	if len(done) > 0 {
		b.WriteString("\nCompleted actions:\n")
		for _, d := range done {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nFailed actions (report these clearly, in a separate sentence):\n")
		for _, f := range failed {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

func deterministicJoin(done, failed []string) string {
	var parts []string
	if len(done) > 0 {
		parts = append(parts, "Done: "+strings.Join(done, " "))
	}
	if len(failed) > 0 {
		parts = append(parts, "Not done: "+strings.Join(failed, " "))
	}
	if len(parts) == 0 {
		return FallbackReply
	}
	return strings.Join(parts, "\n")
}
