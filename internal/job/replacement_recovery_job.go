package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type ReplacementRecoverer interface {
	RecoverReplacements(ctx context.Context) (int, error)
}

// ReplacementRecoveryJob resolves staged copies left behind by interrupted document replacements.
type ReplacementRecoveryJob struct {
	store ReplacementRecoverer
}

func NewReplacementRecoveryJob(store ReplacementRecoverer) *ReplacementRecoveryJob {
	return &ReplacementRecoveryJob{store: store}
}

func (j *ReplacementRecoveryJob) Name() string {
	return "replacement_recovery"
}

func (j *ReplacementRecoveryJob) Run(ctx context.Context) error {
	if j.store == nil {
		return nil
	}
	n, err := j.store.RecoverReplacements(ctx)
	if n > 0 {
		logutil.GetLogger(ctx).Info("staged replacements resolved", zap.Int("count", n))
	}
	return err
}
