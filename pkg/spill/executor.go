package spill

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/daviszhen/spilljoin/pkg/util"
)

// IOExecutor runs spill jobs off the compute threads.
// Submit must not block the caller.
type IOExecutor interface {
	Submit(job func())
}

// PoolExecutor runs at most threads jobs at a time.
type PoolExecutor struct {
	_sem *semaphore.Weighted
	_wg  sync.WaitGroup
}

func NewPoolExecutor(threads int) *PoolExecutor {
	if threads <= 0 {
		threads = 1
	}
	return &PoolExecutor{
		_sem: semaphore.NewWeighted(int64(threads)),
	}
}

func (e *PoolExecutor) Submit(job func()) {
	e._wg.Add(1)
	go func() {
		defer e._wg.Done()
		if err := e._sem.Acquire(context.Background(), 1); err != nil {
			util.Error("spill executor acquire failed", zap.Error(err))
			return
		}
		defer e._sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				util.Error("spill job panic",
					zap.Error(util.ConvertPanicError(r)),
					zap.Stack("stack"))
			}
		}()
		job()
	}()
}

// Wait blocks until every submitted job returned.
func (e *PoolExecutor) Wait() {
	e._wg.Wait()
}
