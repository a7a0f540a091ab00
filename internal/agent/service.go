package agent

import (
	"context"
	"iter"
	"log/slog"
	"time"
)

// Service wraps a Processor with a per-stream deadline.
type Service struct {
	processor Processor
	timeout   time.Duration
	logger    *slog.Logger
}

// NewService creates a service. A zero timeout disables the deadline.
func NewService(processor Processor, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{processor: processor, timeout: timeout, logger: logger}
}

// Chat streams the reply for req.
func (s *Service) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatChunk, error] {
	return func(yield func(*ChatChunk, error) bool) {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		start := time.Now()
		chunks := 0
		for chunk, err := range s.processor.Chat(ctx, req) {
			if err != nil {
				s.logger.Warn("agent stream failed",
					"processor", s.processor.Name(),
					"identity", req.Identity,
					"vault_id", req.VaultID,
					"chunks", chunks,
					"error", err)
				yield(nil, err)
				return
			}
			chunks++
			if !yield(chunk, nil) {
				return
			}
		}
		s.logger.Debug("agent stream finished",
			"processor", s.processor.Name(),
			"identity", req.Identity,
			"chunks", chunks,
			"duration", time.Since(start))
	}
}

// Name returns the processor name.
func (s *Service) Name() string { return s.processor.Name() }

// Close releases resources.
func (s *Service) Close() {
	if s.processor != nil {
		s.processor.Close()
	}
}
