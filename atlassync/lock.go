package atlassync

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/eduatlas/crm_backend/config"
	"github.com/bsm/redislock"
)

// How long one import run may hold the pipeline before the lock expires.
// Refreshed while the run is executing, so this only matters after a crash.
const importLockTTL = 5 * time.Minute

var ErrImportAlreadyRunning = fmt.Errorf("an import is already running for this pipeline")

// acquireImportLock takes the per-pipeline run lock. Concurrent runs against
// one pipeline would race on duplicate removal and deal creation, so the
// second caller fails instead of queueing. When Redis is not connected the
// lock degrades to a no-op; single-instance deploys run fine without it.
func acquireImportLock(ctx context.Context, pipelineId int) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	lock, err := locker.Obtain(ctx, importLockKey(pipelineId), importLockTTL, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrImportAlreadyRunning
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func importLockKey(pipelineId int) string {
	return fmt.Sprintf("atlas-import:pipeline:%d", pipelineId)
}

func releaseImportLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	// Expired locks release with an error; nothing useful to do about it.
	_ = lock.Release(ctx)
}
