package agent

import (
	"context"
	"iter"
)

// Processor streams a reply for a transcript window.
type Processor interface {
	// Chat yields reply chunks as they arrive. A non-nil error ends the stream.
	Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatChunk, error]

	// Name identifies the processor in logs.
	Name() string

	// Close releases resources.
	Close()
}

var (
	_ Processor = (*OpenAIProcessor)(nil)
	_ Processor = (*ScriptedProcessor)(nil)
)
