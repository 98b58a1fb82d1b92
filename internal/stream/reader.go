// Package stream turns the body of a send response into typed stream events.
package stream

import (
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/chatsync/internal/metrics"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/tmaxmax/go-sse"
)

// DefaultMaxFrameSize bounds a single frame. Connected frames carry two full messages, so this is
// generous.
const DefaultMaxFrameSize = 1 << 20

type options struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxFrameSize int
}

// Option configures Read.
type Option func(*options)

// WithLogger sets the logger malformed frames are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the collectors decoded and skipped frames are counted in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxFrameSize bounds the size of one frame in bytes.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// Read splits r into frames and decodes each frame's data payload into a StreamEvent, yielding them in the
// order they were read. A frame whose payload cannot be decoded is logged and skipped; it never ends the
// sequence. A failure to read from r is yielded as an error and ends the sequence. The sequence also ends
// when r is exhausted; callers decide what a missing terminal event means.
func Read(r io.Reader, opts ...Option) iter.Seq2[models.StreamEvent, error] {
	o := options{
		logger:       slog.Default(),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("module", "stream"))

	return func(yield func(models.StreamEvent, error) bool) {
		for frame, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: o.maxFrameSize}) {
			if err != nil {
				yield(models.StreamEvent{}, fmt.Errorf("error reading stream: %w", err))
				return
			}
			if frame.Data == "" {
				continue
			}

			ev, err := models.DecodeEvent([]byte(frame.Data))
			if err != nil {
				o.metrics.FrameSkipped()
				logger.Warn("Skipping malformed frame",
					slog.String("payload", truncate(frame.Data, 256)),
					slog.String("err", err.Error()))
				continue
			}
			o.metrics.FrameDecoded()

			if !yield(ev, nil) {
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
