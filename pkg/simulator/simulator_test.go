package simulator

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestParseScriptPlainTelegram(t *testing.T) {
	entries, err := ParseScript([]byte("telegram=AABBCC\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].HasRelativeTime {
		t.Fatalf("expected no relative time")
	}
	if string(entries[0].Payload) != "\xAA\xBB\xCC" {
		t.Fatalf("unexpected payload %x", entries[0].Payload)
	}
}

func TestParseScriptWithRelativeTime(t *testing.T) {
	entries, err := ParseScript([]byte("telegram=AABBCC|+5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !entries[0].HasRelativeTime || entries[0].RelativeSeconds != 5 {
		t.Fatalf("expected relative time 5s, got %+v", entries[0])
	}
}

func TestParseScriptSkipsUnrelatedLines(t *testing.T) {
	entries, err := ParseScript([]byte("# comment\n\ntelegram=AA\nnot a telegram line\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestParseScriptRejectsBadHex(t *testing.T) {
	if _, err := ParseScript([]byte("telegram=ZZZZ\n")); err == nil {
		t.Fatalf("expected error for invalid hex")
	}
}

func TestReplayDeliversInOrder(t *testing.T) {
	entries, err := ParseScript([]byte("telegram=AA\ntelegram=BB\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var delivered [][]byte
	done := false
	Replay(entries, func() bool { return true }, func(p []byte) {
		delivered = append(delivered, p)
	}, func() { done = true })

	if len(delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(delivered))
	}
	if !done {
		t.Fatalf("expected onDone to fire")
	}
}

func TestReplayStopsWhenNotRunning(t *testing.T) {
	entries, err := ParseScript([]byte("telegram=AA|+60\ntelegram=BB\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var running atomic.Bool
	running.Store(true)
	go func() {
		time.Sleep(10 * time.Millisecond)
		running.Store(false)
	}()

	var delivered int
	start := time.Now()
	Replay(entries, running.Load, func(p []byte) { delivered++ }, nil)

	if time.Since(start) > 3*time.Second {
		t.Fatalf("replay did not cancel promptly")
	}
	if delivered != 0 {
		t.Fatalf("expected no deliveries before the 60s wait elapsed, got %d", delivered)
	}
}
