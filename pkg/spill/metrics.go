package spill

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// SpillProcessMetrics is shared by the lanes of one plan node.
// A nil *SpillProcessMetrics records nothing.
type SpillProcessMetrics struct {
	SpillRows    prometheus.Counter
	SpillBytes   prometheus.Counter
	WriteBlocks  prometheus.Counter
	DiscardRows  prometheus.Counter
	RestoreRows  prometheus.Counter
	FlushTasks   prometheus.Counter
	PendingUnits prometheus.Gauge
	// summed over the lanes of the plan node
	RevocableBytes prometheus.Gauge
}

func NewSpillProcessMetrics(reg prometheus.Registerer, name string, planNodeId int) (*SpillProcessMetrics, error) {
	labels := prometheus.Labels{
		"operator":     name,
		"plan_node_id": strconv.Itoa(planNodeId),
	}
	counter := func(metric, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "spilljoin",
			Subsystem:   "spill",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &SpillProcessMetrics{
		SpillRows:   counter("rows_total", "Rows appended to the spiller."),
		SpillBytes:  counter("bytes_total", "Bytes written to spill storage."),
		WriteBlocks: counter("blocks_total", "Blocks written to spill storage."),
		DiscardRows: counter("discard_rows_total", "Rows dropped after cancel or a write error."),
		RestoreRows: counter("restore_rows_total", "Rows read back from spill storage."),
		FlushTasks:  counter("flush_tasks_total", "Tasks run by spill channels."),
		PendingUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "spilljoin",
			Subsystem:   "spill",
			Name:        "pending_units",
			Help:        "Sealed write units not yet written.",
			ConstLabels: labels,
		}),
		RevocableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "spilljoin",
			Subsystem:   "spill",
			Name:        "revocable_bytes",
			Help:        "Build side bytes that spilling can release.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.SpillRows, err = register(reg, m.SpillRows)
	if err != nil {
		return nil, err
	}
	m.SpillBytes, err = register(reg, m.SpillBytes)
	if err != nil {
		return nil, err
	}
	m.WriteBlocks, err = register(reg, m.WriteBlocks)
	if err != nil {
		return nil, err
	}
	m.DiscardRows, err = register(reg, m.DiscardRows)
	if err != nil {
		return nil, err
	}
	m.RestoreRows, err = register(reg, m.RestoreRows)
	if err != nil {
		return nil, err
	}
	m.FlushTasks, err = register(reg, m.FlushTasks)
	if err != nil {
		return nil, err
	}
	m.PendingUnits, err = register(reg, m.PendingUnits)
	if err != nil {
		return nil, err
	}
	m.RevocableBytes, err = register(reg, m.RevocableBytes)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the already registered collector when an equal one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *SpillProcessMetrics) addSpill(rows int) {
	if m == nil {
		return
	}
	m.SpillRows.Add(float64(rows))
}

func (m *SpillProcessMetrics) addWrite(bytes int64) {
	if m == nil {
		return
	}
	m.WriteBlocks.Inc()
	m.SpillBytes.Add(float64(bytes))
}

func (m *SpillProcessMetrics) addDiscard(rows int) {
	if m == nil {
		return
	}
	m.DiscardRows.Add(float64(rows))
}

func (m *SpillProcessMetrics) addRestore(rows int) {
	if m == nil {
		return
	}
	m.RestoreRows.Add(float64(rows))
}

func (m *SpillProcessMetrics) addTask() {
	if m == nil {
		return
	}
	m.FlushTasks.Inc()
}

func (m *SpillProcessMetrics) addPending(delta int) {
	if m == nil {
		return
	}
	m.PendingUnits.Add(float64(delta))
}

// AddRevocable moves the revocable bytes gauge by delta. Each lane
// reports the change of its own usage.
func (m *SpillProcessMetrics) AddRevocable(delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.RevocableBytes.Add(float64(delta))
}
