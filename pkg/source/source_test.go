package source

import (
	"os"
	"testing"

	"github.com/muffintsi/wmbusd/pkg/config"
)

func TestSimulatorFillDeliversOnNextReceive(t *testing.T) {
	s := NewSimulator("sim0")
	if _, err := s.Open(false); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.CheckIfDataIsPending() {
		t.Fatalf("expected no data pending before Fill")
	}

	s.Fill([]byte{0x01, 0x02, 0x03})
	if !s.CheckIfDataIsPending() {
		t.Fatalf("expected data pending after Fill")
	}

	data, eof, err := s.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if eof {
		t.Fatalf("simulator should never report eof")
	}
	if len(data) != 3 {
		t.Fatalf("expected 3 bytes, got %d", len(data))
	}
	if s.CheckIfDataIsPending() {
		t.Fatalf("expected no data pending after drain")
	}
}

func TestReadableRequiresOpenedAndWorking(t *testing.T) {
	s := NewSimulator("sim0")
	if Readable(s) {
		t.Fatalf("unopened source should not be readable")
	}
	if _, err := s.Open(false); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !Readable(s) {
		t.Fatalf("opened+working simulator should be readable")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if Readable(s) {
		t.Fatalf("closed source should not be readable")
	}
}

func TestFileSourceEOFMarksNotWorking(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "source-test-*")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	f.WriteString("hello")
	f.Close()

	src := NewFile(f.Name())
	if _, err := src.Open(false); err != nil {
		t.Fatalf("open: %v", err)
	}

	data, eof, err := src.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data %q", data)
	}
	_ = eof

	data, eof, err = src.Receive()
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if !eof {
		t.Fatalf("expected eof on second read")
	}
	if len(data) != 0 {
		t.Fatalf("expected no data with eof, got %d bytes", len(data))
	}
	if src.Working() {
		t.Fatalf("source should stop working after eof")
	}
}

func TestFileSourceOpenMissingIsNotThere(t *testing.T) {
	src := NewFile("/nonexistent/path/for/wmbusd/tests")
	result, err := src.Open(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != NotThere {
		t.Fatalf("expected NotThere, got %v", result)
	}
}

func TestFromConfigUnknownKindErrors(t *testing.T) {
	_, err := FromConfig(config.DeviceConfig{Kind: "carrier-pigeon"})
	if err == nil {
		t.Fatalf("expected error for unknown device kind")
	}
}

func TestFromConfigSimulator(t *testing.T) {
	src, err := FromConfig(config.DeviceConfig{Kind: "simulator", Path: "sim0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Kind() != KindSimulator {
		t.Fatalf("expected simulator kind")
	}
}

func TestFromConfigTTYRejectsBadBaud(t *testing.T) {
	_, err := FromConfig(config.DeviceConfig{Kind: "tty", Path: "/dev/ttyUSB0", Baud: 1234})
	if err == nil {
		t.Fatalf("expected error for unsupported baud rate")
	}
}
