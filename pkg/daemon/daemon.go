// Package daemon wires pkg/source, pkg/eventloop, pkg/frame,
// pkg/telegram, and pkg/registry into the single pipeline spec.md §6
// describes: bytes in, telegrams out, dispatched to configured meters
// and their sinks. Nothing here is itself core state (spec.md §3) — it
// is just composition of the packages that already hold it.
package daemon

import (
	"log"
	"sync"
	"time"

	"github.com/muffintsi/wmbusd/pkg/eventloop"
	"github.com/muffintsi/wmbusd/pkg/frame"
	"github.com/muffintsi/wmbusd/pkg/registry"
	"github.com/muffintsi/wmbusd/pkg/source"
	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/wmbuscrypto"
)

// pendingSource is a configured Byte Source that hasn't opened
// successfully yet, or lost its connection and is being retried, per
// spec.md §4.A's "resetting" bit (working but no valid fd during a
// reconnect). Pending sources are retried from the reconnect timer
// rather than joining the event loop until Open succeeds.
type pendingSource struct {
	src     source.Source
	dialect frame.Dialect
}

// Core owns the running event loop, the per-source frame buffers, and
// the meter registry a decoded telegram is dispatched into.
type Core struct {
	Registry *registry.Registry

	loop       *eventloop.Manager
	ignoreList *wmbuscrypto.IgnoreList

	mu       sync.Mutex
	dialects map[source.Source]frame.Dialect
	buffers  map[source.Source][]byte

	pendingMu sync.Mutex
	pending   []pendingSource
}

// New creates a Core. expectDevicesToWork and exitAfter are passed
// straight through to pkg/eventloop's emergency-stop latch and
// self-termination timer (spec.md §4.B).
func New(expectDevicesToWork bool, exitAfter time.Duration) *Core {
	c := &Core{
		Registry:   registry.New(),
		ignoreList: wmbuscrypto.NewIgnoreList(),
		dialects:   make(map[source.Source]frame.Dialect),
		buffers:    make(map[source.Source][]byte),
	}
	c.loop = eventloop.New(c.onData, c.onDisappear, expectDevicesToWork, exitAfter)
	c.loop.AddTimer("source-reconnect", 10*time.Second, func(time.Time) { c.retryPending() })
	return c
}

// AddSource registers an already-opened Byte Source with the event
// loop, remembering which framing dialect to recognize its bytes with.
func (c *Core) AddSource(src source.Source, dialect frame.Dialect) {
	c.mu.Lock()
	c.dialects[src] = dialect
	c.mu.Unlock()
	c.loop.AddSource(src)
}

// OpenSource attempts to open src immediately; on success it joins the
// event loop right away, otherwise it is retried every 10s from the
// reconnect timer until it succeeds or Stop is called.
func (c *Core) OpenSource(src source.Source, dialect frame.Dialect) {
	if result, err := src.Open(false); err == nil && result == source.AccessOK {
		c.AddSource(src, dialect)
		return
	}
	log.Printf("daemon: %s: not available yet, will retry", src.Identity())
	c.pendingMu.Lock()
	c.pending = append(c.pending, pendingSource{src: src, dialect: dialect})
	c.pendingMu.Unlock()
}

func (c *Core) retryPending() {
	c.pendingMu.Lock()
	still := c.pending[:0]
	for _, p := range c.pending {
		if result, err := p.src.Open(false); err == nil && result == source.AccessOK {
			log.Printf("daemon: %s: reconnected", p.src.Identity())
			c.AddSource(p.src, p.dialect)
			continue
		}
		still = append(still, p)
	}
	c.pending = still
	c.pendingMu.Unlock()
}

// AddTimer exposes the event loop's timer wheel for periodic jobs like
// cmd/wmbusd's network-source ping.
func (c *Core) AddTimer(name string, period time.Duration, fn func(now time.Time)) {
	c.loop.AddTimer(name, period, fn)
}

// Run blocks until Stop is called, an exit-after deadline elapses, or
// the emergency-stop latch trips.
func (c *Core) Run() {
	c.loop.Run()
}

// Stop requests a graceful shutdown.
func (c *Core) Stop() {
	c.loop.Stop()
}

// IsRunning reports whether Run is currently active, for cooperative
// cancellation of anything polling alongside the event loop (e.g. a
// pkg/simulator.Replay goroutine feeding a SimulatorSource).
func (c *Core) IsRunning() bool {
	return c.loop.IsRunning()
}

func (c *Core) onData(src source.Source, data []byte) {
	c.mu.Lock()
	c.buffers[src] = append(c.buffers[src], data...)
	buf := c.buffers[src]
	dialect := c.dialects[src]
	c.mu.Unlock()

	for {
		result := frame.Recognize(dialect, buf)
		switch result.Status {
		case frame.PartialFrame:
			c.storeBuffer(src, buf)
			return

		case frame.ErrorInFrame:
			log.Printf("daemon: %s: malformed frame, discarding %d buffered bytes", src.Identity(), len(buf))
			c.storeBuffer(src, nil)
			return

		case frame.FullFrame:
			c.handleFrame(src, dialect, buf, result)
			buf = buf[result.FrameLength:]
		}
	}
}

// handleFrame dispatches one recognized frame. Only the wM-Bus dialect
// is carried further into pkg/telegram: its DLL header (length byte
// onward) aligns exactly with what Decode parses, via
// buf[:PayloadOffset+PayloadLength] (the frame minus any stripped
// trailing CRC). Raw M-Bus frames are recognized by pkg/frame but have
// no DLL/ELL/TPL structure for pkg/telegram to parse — original_source/
// only ever uses mbus_rawtty.cc for framing, never for a M-Bus-specific
// application layer — so they are logged and dropped rather than
// force-fit into the wM-Bus decode path.
func (c *Core) handleFrame(src source.Source, dialect frame.Dialect, buf []byte, result frame.Result) {
	if dialect != frame.DialectWMBus {
		log.Printf("daemon: %s: raw M-Bus frame recognized but telegram decoding is wM-Bus only, dropping %d bytes", src.Identity(), result.FrameLength)
		return
	}
	payload := buf[:result.PayloadOffset+result.PayloadLength]
	c.handleTelegram(src, payload)
}

func (c *Core) storeBuffer(src source.Source, buf []byte) {
	c.mu.Lock()
	c.buffers[src] = buf
	c.mu.Unlock()
}

func (c *Core) handleTelegram(src source.Source, payload []byte) {
	tel, warn, err := telegram.Decode(payload, c.Registry.KeyFor, c.ignoreList)
	if err != nil {
		if warn {
			log.Printf("daemon: %s: telegram integrity failure, now ignoring this address: %v", src.Identity(), err)
		} else {
			log.Printf("daemon: %s: failed to decode telegram: %v", src.Identity(), err)
		}
		return
	}
	if tel == nil {
		// Either an already-ignored address or a Decode path that
		// intentionally drops the telegram without error.
		return
	}

	if _, err := c.Registry.Dispatch(tel); err != nil {
		log.Printf("daemon: %s: dispatch failed: %v", src.Identity(), err)
	}
}

// onDisappear fires once a source the event loop had been reading from
// goes non-working and is closed. It re-queues the source for the same
// reconnect retry path OpenSource uses for a source that never opened
// in the first place, so a dongle unplugged mid-run and a dongle that
// was never there at startup behave identically (spec.md §4.A's
// "resetting" bit).
func (c *Core) onDisappear(src source.Source) {
	log.Printf("daemon: source %s disappeared, queued for reconnect", src.Identity())
	c.mu.Lock()
	dialect := c.dialects[src]
	delete(c.dialects, src)
	delete(c.buffers, src)
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = append(c.pending, pendingSource{src: src, dialect: dialect})
	c.pendingMu.Unlock()
}
