// Package eventloop drives the Byte Sources in pkg/source through two
// cooperating loops: a readiness loop that polls for and delivers
// incoming data, and a timer loop that fires periodic callbacks
// (source reconnects, the network ping, exit_after_seconds). It replaces the
// teacher's single goroutine blocked on serialPort.Read with a manager
// that can own any number of heterogeneous sources at once.
package eventloop

import (
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/muffintsi/wmbusd/pkg/source"
)

const (
	readinessInterval = 1 * time.Second
	timerInterval     = 1 * time.Second
)

// OnDataFunc is invoked once per Receive call that returned data, with
// the manager holding no internal lock.
type OnDataFunc func(src source.Source, data []byte)

// OnDisappearFunc is invoked exactly once when a source transitions to
// closed-and-removed.
type OnDisappearFunc func(src source.Source)

// TimerFunc is a periodic callback registered on the timer loop.
type TimerFunc func(now time.Time)

type timerEntry struct {
	name     string
	period   time.Duration
	lastCall time.Time
	fn       TimerFunc
}

// Manager owns the source list and the two loops. Every field that can
// be touched from both the readiness goroutine and the public API is
// guarded; per spec.md §5 the three logical locks (source list, event
// loop, timers) are kept deliberately non-reentrant by never calling a
// locked method from inside another lock's critical section.
type Manager struct {
	sourcesMu sync.Mutex
	sources   []source.Source

	timersMu sync.Mutex
	timers   []*timerEntry

	onData      OnDataFunc
	onDisappear OnDisappearFunc

	expectDevicesToWork bool
	latched             bool

	exitAfter time.Duration
	startedAt time.Time

	tickle chan struct{}
	stop   chan struct{}
	done   sync.WaitGroup

	runningMu sync.Mutex
	running   bool
}

// New creates a Manager. expectDevicesToWork mirrors spec.md §4.B's
// emergency-stop latch: once every source has gone non-working after
// startup, the manager initiates an orderly stop.
func New(onData OnDataFunc, onDisappear OnDisappearFunc, expectDevicesToWork bool, exitAfter time.Duration) *Manager {
	return &Manager{
		onData:              onData,
		onDisappear:         onDisappear,
		expectDevicesToWork: expectDevicesToWork,
		exitAfter:           exitAfter,
		tickle:              make(chan struct{}, 1),
		stop:                make(chan struct{}),
	}
}

// AddSource registers a source and tickles the readiness loop so it
// picks the new source up on its next iteration rather than waiting out
// the full 1s ceiling.
func (m *Manager) AddSource(s source.Source) {
	m.sourcesMu.Lock()
	m.sources = append(m.sources, s)
	m.sourcesMu.Unlock()
	m.Tickle()
}

// AddTimer registers a periodic callback, firing no sooner than period
// after registration.
func (m *Manager) AddTimer(name string, period time.Duration, fn TimerFunc) {
	m.timersMu.Lock()
	m.timers = append(m.timers, &timerEntry{name: name, period: period, lastCall: time.Now(), fn: fn})
	m.timersMu.Unlock()
}

// Tickle unblocks the readiness loop before its 1s ceiling elapses.
func (m *Manager) Tickle() {
	select {
	case m.tickle <- struct{}{}:
	default:
	}
}

// IsRunning is polled by long cooperative waits (e.g. the simulator's
// relative-time replay) so they return within one tick of Stop.
func (m *Manager) IsRunning() bool {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	return m.running
}

// Run starts both loops and blocks until Stop is called or
// exit_after_seconds elapses.
func (m *Manager) Run() {
	m.runningMu.Lock()
	m.running = true
	m.runningMu.Unlock()
	m.startedAt = time.Now()

	m.done.Add(2)
	go m.readinessLoop()
	go m.timerLoop()
	m.done.Wait()
}

// Stop requests an orderly shutdown; each loop joins before Run returns.
func (m *Manager) Stop() {
	m.runningMu.Lock()
	if !m.running {
		m.runningMu.Unlock()
		return
	}
	m.running = false
	m.runningMu.Unlock()
	close(m.stop)
}

func (m *Manager) readinessLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.tickle:
		}
		if !m.IsRunning() {
			return
		}
		m.pollOnce()
	}
}

// pollOnce snapshots the readable sources, then delivers callbacks and
// sweeps dead sources outside the snapshot lock, per spec.md §4.B.
func (m *Manager) pollOnce() {
	m.sourcesMu.Lock()
	readable := make([]source.Source, 0, len(m.sources))
	for _, s := range m.sources {
		if source.Readable(s) {
			readable = append(readable, s)
		}
	}
	m.sourcesMu.Unlock()

	for _, s := range readable {
		data, eof, err := s.Receive()
		if err != nil {
			log.Printf("eventloop: receive from %s failed: %v", s.Identity(), err)
			continue
		}
		if len(data) > 0 && m.onData != nil {
			m.onData(s, data)
		}
		if eof {
			_ = s.Close()
		}
	}

	m.sweep()
}

func (m *Manager) sweep() {
	m.sourcesMu.Lock()
	kept := m.sources[:0:0]
	var disappeared []source.Source
	for _, s := range m.sources {
		if s.Opened() && !s.Working() && !s.IsClosed() {
			_ = s.Close()
		}
		if s.IsClosed() {
			disappeared = append(disappeared, s)
			continue
		}
		kept = append(kept, s)
	}
	m.sources = kept
	anyWorking := false
	for _, s := range m.sources {
		if s.Working() {
			anyWorking = true
			break
		}
	}
	hadSources := len(m.sources) > 0 || len(disappeared) > 0
	m.sourcesMu.Unlock()

	for _, s := range disappeared {
		if m.onDisappear != nil {
			m.onDisappear(s)
		}
	}

	if m.expectDevicesToWork && hadSources && !anyWorking {
		if !m.latched {
			m.latched = true
			log.Printf("eventloop: all devices stopped working, initiating emergency stop (started %s)",
				humanize.Time(m.startedAt))
			go m.Stop()
		}
	}
}

func (m *Manager) timerLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(timerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		if !m.IsRunning() {
			return
		}
		now := time.Now()

		if m.exitAfter > 0 && now.Sub(m.startedAt) >= m.exitAfter {
			log.Println("eventloop: exit_after_seconds elapsed, initiating stop")
			go m.Stop()
			return
		}

		m.runTimers(now)
	}
}

func (m *Manager) runTimers(now time.Time) {
	m.timersMu.Lock()
	due := make([]*timerEntry, 0)
	for _, t := range m.timers {
		if now.Sub(t.lastCall) >= t.period {
			t.lastCall = now
			due = append(due, t)
		}
	}
	m.timersMu.Unlock()

	for _, t := range due {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("eventloop: timer %q panicked: %v", t.name, r)
				}
			}()
			t.fn(now)
		}()
	}
}
