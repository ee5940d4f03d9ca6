package chat

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/scatter-server/scatter/internal/monitoring"
)

// DefaultWatchdogInterval is the sweep cadence. A peer gets one full
// interval to answer a ping before the next sweep reaps it.
const DefaultWatchdogInterval = 60 * time.Second

// Sweeper is the watchdog's view of the registry.
type Sweeper interface {
	Verify() int
	ReapWithoutPong(status ws.StatusCode, reason string) int
}

// Watchdog periodically pings every connection and closes the ones that
// stayed silent across a full sweep. Two-tick cadence: each tick first
// reaps last round's silent connections, then issues the next round of
// pings.
type Watchdog struct {
	reg      Sweeper
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	logger   zerolog.Logger
}

// NewWatchdog creates the watchdog. interval <= 0 uses the default.
func NewWatchdog(reg Sweeper, interval time.Duration, logger zerolog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		reg:      reg,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "watchdog").Logger(),
	}
}

// Start launches the sweep loop.
func (w *Watchdog) Start() {
	go w.loop()
}

// Stop terminates the loop and waits for it to exit.
func (w *Watchdog) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

func (w *Watchdog) loop() {
	defer monitoring.RecoverPanic(w.logger, "watchdog")
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("Watchdog started")
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			w.logger.Info().Msg("Watchdog stopped")
			return
		}
	}
}

func (w *Watchdog) sweep() {
	reaped := w.reg.ReapWithoutPong(ws.StatusCode(4003), "Dangling connection")
	if reaped > 0 {
		monitoring.ConnectionsReaped.Add(float64(reaped))
	}
	armed := w.reg.Verify()
	w.logger.Debug().
		Int("reaped", reaped).
		Int("pinged", armed).
		Msg("Watchdog sweep")
}
