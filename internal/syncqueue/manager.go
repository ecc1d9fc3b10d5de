package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/example/anemia-screen/internal/logging"
	"github.com/example/anemia-screen/internal/repository"
)

// ErrCycleInProgress is returned when a cycle is requested while another is
// still running; the request is dropped, not queued.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Repository captures the persistence operations the manager needs.
type Repository interface {
	ListUnsynced(ctx context.Context, limit int) ([]*repository.ScanRecord, error)
	MarkSynced(ctx context.Context, scanIDs []string) error
	MarkFailed(ctx context.Context, scanIDs []string) error
}

// Report summarizes one completed cycle.
type Report struct {
	BatchID  string `json:"batch_id,omitempty"`
	Selected int    `json:"selected"`
	Synced   int    `json:"synced"`
	Failed   int    `json:"failed"`
}

// Manager runs sync cycles: select unsynced records, build one anonymized
// batch, deliver it, and mark every selected record with the outcome.
// Outcomes are all-or-nothing per cycle.
type Manager struct {
	repo       Repository
	transport  Transport
	deviceID   string
	batchLimit int
	logger     *zap.Logger
	running    atomic.Bool
}

// NewManager constructs a manager for the given device identity.
func NewManager(repo Repository, transport Transport, deviceID string, batchLimit int, logger *zap.Logger) *Manager {
	return &Manager{
		repo:       repo,
		transport:  transport,
		deviceID:   deviceID,
		batchLimit: batchLimit,
		logger:     logger.Named("sync_manager"),
	}
}

// RunCycle executes one sync cycle. An empty selection succeeds trivially
// without a transport call. Context cancellation mid-delivery aborts the
// cycle with every status untouched, so the next cycle sees the same
// records. A delivered batch marks all records synced; a refused one marks
// them all failed and reports that in the cycle outcome rather than as an
// error.
func (m *Manager) RunCycle(ctx context.Context) (*Report, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer m.running.Store(false)

	records, err := m.repo.ListUnsynced(ctx, m.batchLimit)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		m.logger.Debug("no records awaiting sync")
		return &Report{}, nil
	}

	payload := BuildBatchPayload(m.deviceID, records)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, logging.NewOperationError("sync.encode_batch", "", err)
	}

	scanIDs := make([]string, len(records))
	for i, record := range records {
		scanIDs[i] = record.ScanID
	}

	if sendErr := m.transport.Send(ctx, body); sendErr != nil {
		if ctx.Err() != nil {
			m.logger.Info("sync cycle aborted by shutdown, statuses untouched",
				zap.String("batch_id", payload.BatchID))
			return nil, logging.NewOperationError("sync.run_cycle", "", ctx.Err())
		}
		if markErr := m.repo.MarkFailed(ctx, scanIDs); markErr != nil {
			return nil, markErr
		}
		m.logger.Warn("batch delivery failed, records queued for next cycle",
			zap.String("batch_id", payload.BatchID),
			zap.Int("records", len(records)),
			zap.Error(sendErr))
		return &Report{BatchID: payload.BatchID, Selected: len(records), Failed: len(records)}, nil
	}

	if err := m.repo.MarkSynced(ctx, scanIDs); err != nil {
		return nil, err
	}
	m.logger.Info("batch delivered",
		zap.String("batch_id", payload.BatchID),
		zap.Int("records", len(records)))
	return &Report{BatchID: payload.BatchID, Selected: len(records), Synced: len(records)}, nil
}
