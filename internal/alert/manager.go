package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	defaultMaxBatch           = 20
	sendTimeout               = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// BatchWindow groups events arriving within the window into one message.
	// Zero sends every event on its own.
	BatchWindow time.Duration
	MaxBatch    int
	Logger      *zap.Logger
}

// Manager delivers notifications off the caller's goroutine. It never
// blocks the caller: when the queue is full the event is dropped and counted.
type Manager struct {
	mode                 string
	symbol               string
	notifier             Notifier
	logger               *zap.Logger
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	batchWindow          time.Duration
	maxBatch             int
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

func NewManager(mode, symbol string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, symbol, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, symbol string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		mode:               mode,
		symbol:             symbol,
		notifier:           notifier,
		logger:             logger,
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
		batchWindow:        opts.BatchWindow,
		maxBatch:           maxBatch,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := alertEvent{
		event:  event,
		fields: cloneFields(fields),
		at:     time.Now().UTC(),
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// first drop in a window is logged at once, the rest go in the summary
		if droppedInWindow == 1 {
			m.logger.Warn("alert_queue_dropped",
				zap.String("target_event", event),
				zap.String("reason", "queue_full"),
				zap.Uint64("dropped_total", droppedTotal),
				zap.Int("queue_len", len(m.queue)),
				zap.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(m.collect(ev))
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(m.drainBatch(ev))
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

// collect waits up to the batch window for more events to ride along.
func (m *Manager) collect(first alertEvent) []alertEvent {
	batch := []alertEvent{first}
	if m.batchWindow <= 0 {
		return batch
	}
	timer := time.NewTimer(m.batchWindow)
	defer timer.Stop()
	for len(batch) < m.maxBatch {
		select {
		case ev := <-m.queue:
			batch = append(batch, ev)
		case <-timer.C:
			return batch
		case <-m.stop:
			return batch
		}
	}
	return batch
}

func (m *Manager) drainBatch(first alertEvent) []alertEvent {
	batch := []alertEvent{first}
	if m.batchWindow <= 0 {
		return batch
	}
	for len(batch) < m.maxBatch {
		select {
		case ev := <-m.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&m.droppedTotal)),
		zap.Duration("report_interval", m.dropReportInterval),
		zap.Int("queue_len", len(m.queue)),
		zap.Int("queue_cap", cap(m.queue)),
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(batch []alertEvent) {
	if len(batch) == 0 {
		return
	}
	msg := m.buildMessage(batch)
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.logger.Error("alert_notify_failed",
			zap.String("target_event", batch[0].event),
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)
	}
}

func (m *Manager) buildMessage(batch []alertEvent) string {
	lines := []string{
		"[spot-grid] " + m.mode + " " + m.symbol,
	}
	for i, ev := range batch {
		if i > 0 {
			lines = append(lines, "")
		}
		lines = append(lines,
			"time: "+ev.at.Format(time.RFC3339),
			"event: "+ev.event,
		)
		keys := make([]string, 0, len(ev.fields))
		for k := range ev.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, k+": "+ev.fields[k])
		}
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
