package evidence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/metrics"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/logger"
)

type Store interface {
	InsertEvidence(ctx context.Context, record *models.EvidenceRecord) error
}

// Recorder appends evidence packages to the audit log. A failed write is
// logged and counted but never reaches the caller.
type Recorder struct {
	store   Store
	timeout time.Duration
}

func NewRecorder(store Store, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Recorder{store: store, timeout: timeout}
}

func (r *Recorder) Record(ctx context.Context, pkg *Package, sessionID, answer string) {
	if r == nil || r.store == nil || pkg == nil {
		return
	}

	// The write outlives a cancelled request so the audit trail stays complete.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.InsertEvidence(ctx, pkg.Record(sessionID, answer)); err != nil {
		metrics.EvidenceWriteFailures.Inc()
		logger.Error("Failed to record evidence",
			zap.String("audit_id", pkg.AuditID()),
			zap.Error(err),
		)
	}
}
