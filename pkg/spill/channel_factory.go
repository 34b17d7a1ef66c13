package spill

import (
	"context"
	"sync"
)

// SpillTaskChannelFactory hands channels to driver lanes. With shared
// set every lane gets the same channel.
type SpillTaskChannelFactory struct {
	_ctx      context.Context
	_executor IOExecutor
	_metrics  *SpillProcessMetrics
	_shared   bool

	_mu       sync.Mutex
	_channels map[int]*SpillTaskChannel
}

func NewSpillTaskChannelFactory(
	ctx context.Context,
	executor IOExecutor,
	metrics *SpillProcessMetrics,
	shared bool) *SpillTaskChannelFactory {
	return &SpillTaskChannelFactory{
		_ctx:      ctx,
		_executor: executor,
		_metrics:  metrics,
		_shared:   shared,
		_channels: make(map[int]*SpillTaskChannel),
	}
}

// GetOrCreate returns the channel of lane seq and registers the caller
// as one of its owners.
func (f *SpillTaskChannelFactory) GetOrCreate(seq int) *SpillTaskChannel {
	key := seq
	if f._shared {
		key = 0
	}
	f._mu.Lock()
	ch, ok := f._channels[key]
	if !ok {
		ch = NewSpillTaskChannel(f._ctx, key, f._executor, f._metrics)
		f._channels[key] = ch
	}
	f._mu.Unlock()
	ch.Register()
	return ch
}

func (f *SpillTaskChannelFactory) Channels() []*SpillTaskChannel {
	f._mu.Lock()
	defer f._mu.Unlock()
	ret := make([]*SpillTaskChannel, 0, len(f._channels))
	for _, ch := range f._channels {
		ret = append(ret, ch)
	}
	return ret
}
