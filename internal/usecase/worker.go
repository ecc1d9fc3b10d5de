package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAnalysisBusy is returned when a frame arrives while another one is
// still being analyzed. The frame is dropped, never queued.
var ErrAnalysisBusy = errors.New("analysis worker busy")

// ErrFrameThrottled is returned when frames arrive faster than the
// configured minimum interval allows.
var ErrFrameThrottled = errors.New("frame throttled")

type frameAnalyzer interface {
	AnalyzeFrame(ctx context.Context, req FrameRequest) (*FrameResult, error)
}

type frameJob struct {
	req   FrameRequest
	reply chan frameOutcome
}

type frameOutcome struct {
	result *FrameResult
	err    error
}

// AnalysisWorker serializes live preview analysis on a single goroutine. A
// live view that falls behind skips frames instead of building a queue: at
// most one frame is in flight, and accepted frames are rate limited on top
// of that.
type AnalysisWorker struct {
	analyzer    frameAnalyzer
	minInterval time.Duration
	jobs        chan frameJob
	logger      *zap.Logger

	mu           sync.Mutex
	lastAccepted time.Time
}

// NewAnalysisWorker constructs a worker. Frames submitted less than
// minInterval after the previously accepted one are rejected; a
// non-positive interval disables throttling.
func NewAnalysisWorker(analyzer frameAnalyzer, minInterval time.Duration, logger *zap.Logger) *AnalysisWorker {
	return &AnalysisWorker{
		analyzer:    analyzer,
		minInterval: minInterval,
		jobs:        make(chan frameJob),
		logger:      logger.Named("analysis_worker"),
	}
}

// Start processes submissions until ctx is canceled. An analysis in flight
// when shutdown begins runs to completion and its result is discarded.
func (w *AnalysisWorker) Start(ctx context.Context) {
	w.logger.Info("analysis worker started", zap.Duration("min_interval", w.minInterval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("analysis worker stopped")
			return
		case job := <-w.jobs:
			result, err := w.analyzer.AnalyzeFrame(ctx, job.req)
			if ctx.Err() != nil {
				w.logger.Info("analysis worker stopped, frame result discarded")
				return
			}
			job.reply <- frameOutcome{result: result, err: err}
		}
	}
}

// Submit hands one frame to the worker and waits for its result. The
// throttle is checked before the busy state, so a caller spamming frames
// sees ErrFrameThrottled even while an analysis is running.
func (w *AnalysisWorker) Submit(ctx context.Context, req FrameRequest) (*FrameResult, error) {
	job := frameJob{req: req, reply: make(chan frameOutcome, 1)}

	w.mu.Lock()
	if w.minInterval > 0 && time.Since(w.lastAccepted) < w.minInterval {
		w.mu.Unlock()
		return nil, ErrFrameThrottled
	}
	select {
	case w.jobs <- job:
		w.lastAccepted = time.Now()
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		return nil, ErrAnalysisBusy
	}

	select {
	case outcome := <-job.reply:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
