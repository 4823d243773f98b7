package daemon

import (
	"encoding/hex"
	"testing"

	"github.com/muffintsi/wmbusd/pkg/frame"
	"github.com/muffintsi/wmbusd/pkg/source"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// buildWMBusFrame wraps an already-built DLL+CI+payload body in the
// wM-Bus length-prefix framing frame.RecognizeWMBus expects: L = total
// on-wire length minus 1 (the length byte itself isn't counted).
func buildWMBusFrame(body []byte) []byte {
	total := len(body) + 1
	return append([]byte{byte(total - 1)}, body...)
}

func TestCoreOnDataDispatchesFullFrameToRegistry(t *testing.T) {
	c := New(false, 0)
	if _, err := c.Registry.Add("m1", "*", "unknown", nil); err != nil {
		t.Fatalf("add meter: %v", err)
	}

	// DLL header: C=0x44, manufacturer=0x2C2D, address=0x12345678,
	// version=0x01, device type=0x04, CI=0x78 (no TPL header).
	body := mustHex(t, "44"+"2D2C"+"78563412"+"01"+"04"+"78")
	frameBytes := buildWMBusFrame(body)

	src := source.NewSimulator("sim0")
	c.AddSource(src, frame.DialectWMBus)

	c.onData(src, frameBytes)

	insts := c.Registry.Instances()
	if len(insts) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(insts))
	}
	if insts[0].NumUpdates() != 1 {
		t.Fatalf("expected 1 update, got %d", insts[0].NumUpdates())
	}
}

func TestCoreOnDataBuffersPartialFrame(t *testing.T) {
	c := New(false, 0)
	src := source.NewSimulator("sim0")
	c.AddSource(src, frame.DialectWMBus)

	body := mustHex(t, "44"+"2D2C"+"78563412"+"01"+"04"+"78")
	frameBytes := buildWMBusFrame(body)

	c.onData(src, frameBytes[:3])
	c.mu.Lock()
	buffered := len(c.buffers[src])
	c.mu.Unlock()
	if buffered != 3 {
		t.Fatalf("expected 3 buffered bytes, got %d", buffered)
	}

	c.onData(src, frameBytes[3:])
	c.mu.Lock()
	buffered = len(c.buffers[src])
	c.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("expected buffer drained after full frame, got %d bytes left", buffered)
	}
}

func TestCoreOnDataDiscardsBufferOnErrorInFrame(t *testing.T) {
	c := New(false, 0)
	src := source.NewSimulator("sim0")
	c.AddSource(src, frame.DialectWMBus)

	// L=3 is too short to hold a DLL header -> ErrorInFrame.
	c.onData(src, []byte{0x03, 0xAA, 0xBB, 0xCC})

	c.mu.Lock()
	buffered := len(c.buffers[src])
	c.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("expected buffer discarded on frame error, got %d bytes left", buffered)
	}
}

func TestCoreOnDisappearClearsSourceState(t *testing.T) {
	c := New(false, 0)
	src := source.NewSimulator("sim0")
	c.AddSource(src, frame.DialectWMBus)
	c.onData(src, []byte{0x03, 0xAA})

	c.onDisappear(src)

	c.mu.Lock()
	_, hasDialect := c.dialects[src]
	_, hasBuffer := c.buffers[src]
	c.mu.Unlock()
	if hasDialect || hasBuffer {
		t.Fatalf("expected source state cleared after disappearance")
	}

	c.pendingMu.Lock()
	pendingCount := len(c.pending)
	c.pendingMu.Unlock()
	if pendingCount != 1 {
		t.Fatalf("expected disappeared source queued for reconnect, got %d pending", pendingCount)
	}
}
