package agent

import (
	"context"
	"iter"
	"strings"
	"time"
)

type scriptedRule struct {
	keywords []string
	reply    string
}

var scriptedRules = []scriptedRule{
	{[]string{"unlock", "open"}, "The vault requires specific authorization. Please provide more details about your identity."},
	{[]string{"please", "help"}, "I appreciate your politeness, but I need verification of authority to proceed."},
	{[]string{"password", "code"}, "There is no simple password. The vault security system requires proper verification protocols."},
}

// ScriptedDefaultReply is used when no keyword matches.
const ScriptedDefaultReply = "I'm analyzing your request. Please continue."

// ScriptedReply returns the canned guardian answer for message.
func ScriptedReply(message string) string {
	lower := strings.ToLower(message)
	for _, rule := range scriptedRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.reply
			}
		}
	}
	return ScriptedDefaultReply
}

// ScriptedProcessor answers from keyword rules, streamed word by word.
type ScriptedProcessor struct {
	delay time.Duration
}

// NewScripted creates a scripted processor; delay paces the chunks.
func NewScripted(delay time.Duration) *ScriptedProcessor {
	return &ScriptedProcessor{delay: delay}
}

// Name implements Processor.
func (p *ScriptedProcessor) Name() string { return "scripted" }

// Close implements Processor.
func (p *ScriptedProcessor) Close() {}

// Chat implements Processor.
func (p *ScriptedProcessor) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatChunk, error] {
	reply := ScriptedReply(req.LastUserMessage())
	return func(yield func(*ChatChunk, error) bool) {
		words := strings.SplitAfter(reply, " ")
		for i, w := range words {
			if i > 0 && p.delay > 0 {
				select {
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				case <-time.After(p.delay):
				}
			}
			if !yield(&ChatChunk{Content: w}, nil) {
				return
			}
		}
	}
}
