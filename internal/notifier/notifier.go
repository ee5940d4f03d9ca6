// Package notifier mirrors every payload entering the chat core to the
// configured external event targets with bounded retry and per-target
// fallback chains.
//
// It subscribes to the core through a message listener, so the core
// never imports this package. Delivery is best-effort: after max_retries
// failed attempts the fallback chain is traversed once, then the payload
// is dropped.
package notifier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/scatter-server/scatter/internal/monitoring"
	"github.com/scatter-server/scatter/internal/payload"
)

// ErrorListener observes a send-status whose retries are exhausted. The
// fallback handler is registered as the first listener.
type ErrorListener func(st *SendStatus)

// Config carries the notifier switches and timing.
type Config struct {
	Enabled bool

	// Retry re-attempts failed sends; disabled means one attempt per
	// target before the fallback chain.
	Retry         bool
	RetryInterval time.Duration
	MaxRetries    int

	// MaxParallel bounds concurrent target deliveries and the per-cycle
	// drain batch.
	MaxParallel int

	// SendBotMessages forwards bot-origin payloads; dropped by default.
	SendBotMessages bool
	IgnoreTypes     []string
}

// Notifier owns the work queue and the dispatch loop.
type Notifier struct {
	cfg     Config
	targets []Target

	mu    sync.Mutex
	queue []*SendStatus

	signal chan struct{}

	lmu          sync.Mutex
	errListeners []ErrorListener

	pool *workerPool

	started int32
	stopped int32
	stopper sync.Once
	stop    chan struct{}
	done    chan struct{}

	logger zerolog.Logger
}

// New creates the notifier over the configured primary targets. The
// fallback handler is pre-registered as an error listener.
func New(cfg Config, targets []Target, logger zerolog.Logger) *Notifier {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if !cfg.Retry {
		cfg.MaxRetries = 1
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}

	n := &Notifier{
		cfg:     cfg,
		targets: targets,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
	n.pool = newWorkerPool(cfg.MaxParallel, cfg.MaxParallel*100, n.logger)
	n.AddErrorListener(n.handleFallback)
	return n
}

// AddErrorListener subscribes to exhausted send-statuses.
func (n *Notifier) AddErrorListener(fn ErrorListener) {
	n.lmu.Lock()
	n.errListeners = append(n.errListeners, fn)
	n.lmu.Unlock()
}

// Start launches the workers and the dispatch loop.
func (n *Notifier) Start() {
	if !n.cfg.Enabled || !atomic.CompareAndSwapInt32(&n.started, 0, 1) {
		return
	}
	n.pool.Start()
	go n.loop()
	n.logger.Info().
		Int("targets", len(n.targets)).
		Dur("retry_interval", n.cfg.RetryInterval).
		Int("max_retries", n.cfg.MaxRetries).
		Int("workers", n.cfg.MaxParallel).
		Msg("Notifier started")
}

// OnMessage is the chat core's message listener: one send-status per
// primary target, subject to the ingress filters.
func (n *Notifier) OnMessage(p *payload.Payload) {
	if !n.cfg.Enabled || atomic.LoadInt32(&n.stopped) == 1 {
		return
	}
	if p.IsFromBot() && !n.cfg.SendBotMessages {
		return
	}
	for _, t := range n.cfg.IgnoreTypes {
		if p.TypeIs(t) {
			return
		}
	}

	for _, target := range n.targets {
		n.enqueue(&SendStatus{
			Target:  target,
			Payload: p,
			Chain:   target.Fallbacks(),
		})
	}
}

// Stop drains the loop and the pool. After Stop returns, no new
// target sends begin; in-flight calls may still complete.
func (n *Notifier) Stop() {
	n.stopper.Do(func() {
		atomic.StoreInt32(&n.stopped, 1)
		if atomic.LoadInt32(&n.started) == 1 {
			close(n.stop)
			<-n.done
			n.pool.Stop()
		}
		n.logger.Info().Msg("Notifier stopped")
	})
}

func (n *Notifier) enqueue(st *SendStatus) {
	n.mu.Lock()
	n.queue = append(n.queue, st)
	depth := len(n.queue)
	n.mu.Unlock()
	monitoring.EventQueueDepth.Set(float64(depth))

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// loop wakes on new work or after retry_interval, whichever comes
// first, and dispatches the ready batch.
func (n *Notifier) loop() {
	defer monitoring.RecoverPanic(n.logger, "notifier")
	defer close(n.done)

	timer := time.NewTimer(n.cfg.RetryInterval)
	defer timer.Stop()

	for {
		select {
		case <-n.signal:
		case <-timer.C:
		case <-n.stop:
			return
		}
		n.dispatch()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.retryWait())
	}
}

// retryWait shortens the sleep when queued entries come due before a
// full retry interval.
func (n *Notifier) retryWait() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()

	wait := n.cfg.RetryInterval
	now := time.Now()
	for _, st := range n.queue {
		due := st.LastAttempt.Add(n.cfg.RetryInterval).Sub(now)
		if due < wait {
			wait = due
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// dispatch pulls at most MaxParallel due entries and hands each to the
// pool. Entries whose last attempt is too recent stay queued.
func (n *Notifier) dispatch() {
	now := time.Now()

	n.mu.Lock()
	var ready []*SendStatus
	rest := n.queue[:0]
	for _, st := range n.queue {
		due := st.Attempts == 0 || now.Sub(st.LastAttempt) >= n.cfg.RetryInterval
		if due && len(ready) < n.cfg.MaxParallel {
			ready = append(ready, st)
		} else {
			rest = append(rest, st)
		}
	}
	n.queue = rest
	depth := len(n.queue)
	n.mu.Unlock()
	monitoring.EventQueueDepth.Set(float64(depth))

	for _, st := range ready {
		st := st
		if !n.pool.Submit(func() { n.attempt(st) }) {
			// Pool queue saturated; keep the status for the next cycle
			// instead of losing its retry and fallback budget.
			n.enqueue(st)
		}
	}
}

func (n *Notifier) attempt(st *SendStatus) {
	if atomic.LoadInt32(&n.stopped) == 1 {
		return
	}

	err := st.Target.Send(st.Payload)
	st.Attempts++
	st.LastAttempt = time.Now()
	st.LastError = err

	if err == nil {
		monitoring.EventDeliveries.WithLabelValues(st.Target.Type(), "ok").Inc()
		n.logger.Debug().
			Str("target", st.Target.Type()).
			Str("message_id", st.Payload.ID()).
			Int("attempts", st.Attempts).
			Msg("Event delivered")
		return
	}

	monitoring.EventDeliveries.WithLabelValues(st.Target.Type(), "error").Inc()
	if st.Attempts < n.cfg.MaxRetries {
		n.logger.Warn().
			Err(err).
			Str("target", st.Target.Type()).
			Str("message_id", st.Payload.ID()).
			Int("attempts", st.Attempts).
			Msg("Event delivery failed, will retry")
		n.enqueue(st)
		return
	}

	n.logger.Error().
		Err(err).
		Str("target", st.Target.Type()).
		Str("message_id", st.Payload.ID()).
		Int("attempts", st.Attempts).
		Msg("Event delivery retries exhausted")
	n.notifyError(st)
}

func (n *Notifier) notifyError(st *SendStatus) {
	n.lmu.Lock()
	listeners := append([]ErrorListener(nil), n.errListeners...)
	n.lmu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// handleFallback moves an exhausted status to the head of its fallback
// chain. Each chain is traversed at most once; an empty chain drops the
// payload for good.
func (n *Notifier) handleFallback(st *SendStatus) {
	if len(st.Chain) == 0 {
		monitoring.EventDropped.Inc()
		n.logger.Warn().
			Str("target", st.Target.Type()).
			Str("message_id", st.Payload.ID()).
			Msg("Fallback chain exhausted, dropping payload")
		return
	}

	next := st.Chain[0]
	n.logger.Info().
		Str("from", st.Target.Type()).
		Str("to", next.Type()).
		Str("message_id", st.Payload.ID()).
		Msg("Falling back to alternate target")
	monitoring.EventFallbacks.Inc()

	st.Target = next
	st.Chain = st.Chain[1:]
	st.Attempts = 0
	st.LastAttempt = time.Time{}
	n.enqueue(st)
}
