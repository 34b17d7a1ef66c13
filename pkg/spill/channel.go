package spill

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/util"
)

// SpillTask produces chunks until it returns ErrEndOfStream. The
// channel appends every produced chunk to Spiller and writes what the
// spiller sealed. A task without a Spiller only runs for its side effects.
type SpillTask struct {
	Name    string
	Produce func(ctx context.Context) (*chunk.Chunk, error)
	Spiller *Spiller
}

// FlushTask writes what the spiller already sealed.
func FlushTask(s *Spiller) SpillTask {
	return SpillTask{
		Name: "flush",
		Produce: func(context.Context) (*chunk.Chunk, error) {
			return nil, ErrEndOfStream
		},
		Spiller: s,
	}
}

// SpillTaskChannel is a FIFO of spill tasks. At most one drain job per
// channel runs on the executor, so tasks of one channel never overlap.
type SpillTaskChannel struct {
	_id       int
	_ctx      context.Context
	_executor IOExecutor
	_metrics  *SpillProcessMetrics

	_mu             sync.Mutex
	_tasks          []SpillTask
	_working        bool
	_owners         int
	_finishedOwners int
	_err            error
}

func NewSpillTaskChannel(ctx context.Context, id int, executor IOExecutor, metrics *SpillProcessMetrics) *SpillTaskChannel {
	return &SpillTaskChannel{
		_id:       id,
		_ctx:      ctx,
		_executor: executor,
		_metrics:  metrics,
	}
}

func (ch *SpillTaskChannel) Id() int {
	return ch._id
}

// Register adds an operator that feeds the channel.
func (ch *SpillTaskChannel) Register() {
	ch._mu.Lock()
	defer ch._mu.Unlock()
	ch._owners++
}

// AddSpillTask queues task and starts a drain job when none runs.
// It is rejected once every owner is finishing.
func (ch *SpillTaskChannel) AddSpillTask(task SpillTask) error {
	ch._mu.Lock()
	if ch.finishingLocked() {
		ch._mu.Unlock()
		util.Warn("spill task rejected",
			zap.Int("channel", ch._id),
			zap.String("task", task.Name))
		return ErrChannelFinished
	}
	ch._tasks = append(ch._tasks, task)
	start := !ch._working
	ch._working = true
	ch._mu.Unlock()

	if start {
		ch._executor.Submit(ch.drain)
	}
	return nil
}

// HasTask is true while a task is queued or running.
func (ch *SpillTaskChannel) HasTask() bool {
	ch._mu.Lock()
	defer ch._mu.Unlock()
	return ch._working || len(ch._tasks) > 0
}

func (ch *SpillTaskChannel) IsWorking() bool {
	ch._mu.Lock()
	defer ch._mu.Unlock()
	return ch._working
}

// SetFinishing marks one owner as done adding tasks.
func (ch *SpillTaskChannel) SetFinishing() {
	ch._mu.Lock()
	defer ch._mu.Unlock()
	ch._finishedOwners++
}

func (ch *SpillTaskChannel) IsFinishing() bool {
	ch._mu.Lock()
	defer ch._mu.Unlock()
	return ch.finishingLocked()
}

func (ch *SpillTaskChannel) finishingLocked() bool {
	return ch._owners > 0 && ch._finishedOwners >= ch._owners
}

// IsFinished is true when every owner is finishing and the queue drained.
func (ch *SpillTaskChannel) IsFinished() bool {
	ch._mu.Lock()
	defer ch._mu.Unlock()
	return ch.finishingLocked() && !ch._working && len(ch._tasks) == 0
}

// Err returns the first task failure.
func (ch *SpillTaskChannel) Err() error {
	ch._mu.Lock()
	defer ch._mu.Unlock()
	return ch._err
}

func (ch *SpillTaskChannel) drain() {
	for {
		ch._mu.Lock()
		if len(ch._tasks) == 0 {
			ch._working = false
			ch._mu.Unlock()
			return
		}
		var task SpillTask
		task, ch._tasks = util.PopFront(ch._tasks)
		ch._mu.Unlock()

		ch._metrics.addTask()
		if err := ch.runTask(task); err != nil {
			util.Error("spill task failed",
				zap.Int("channel", ch._id),
				zap.String("task", task.Name),
				zap.Error(err))
			ch._mu.Lock()
			if ch._err == nil {
				ch._err = err
			}
			ch._mu.Unlock()
		}
	}
}

func (ch *SpillTaskChannel) runTask(task SpillTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.ConvertPanicError(r)
			if task.Spiller != nil {
				task.Spiller.setErr(err)
			}
		}
	}()
	for {
		data, perr := task.Produce(ch._ctx)
		if perr != nil && !IsEndOfStream(perr) {
			if task.Spiller != nil {
				task.Spiller.setErr(perr)
			}
			return perr
		}
		if task.Spiller != nil {
			if aerr := task.Spiller.AppendChunk(data); aerr != nil {
				return aerr
			}
			if ferr := task.Spiller.FlushPending(ch._ctx); ferr != nil {
				return ferr
			}
		}
		if IsEndOfStream(perr) {
			return nil
		}
	}
}
