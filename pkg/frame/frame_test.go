package frame

import (
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad test hex %q: %v", s, err)
	}
	return b
}

func TestRecognizeWMBusEmptyBufferIsPartial(t *testing.T) {
	if got := RecognizeWMBus(nil).Status; got != PartialFrame {
		t.Errorf("status = %v, want PartialFrame", got)
	}
}

func TestRecognizeWMBusWaitsForFullFrame(t *testing.T) {
	// L=0x14 means 0x15 bytes total; hand it only the header.
	buf := mustHex(t, "14"+"4493")
	if got := RecognizeWMBus(buf).Status; got != PartialFrame {
		t.Errorf("status = %v, want PartialFrame", got)
	}
}

func TestRecognizeWMBusFullFrameNoCRC(t *testing.T) {
	// L=9 -> total 10 bytes, no trailing CRC candidate since len(frame)<3 is
	// false but the bytes won't happen to verify; use a body that does not
	// checksum-match so the no-CRC branch is taken.
	body := mustHex(t, "09"+"4493157856341201020304")
	res := RecognizeWMBus(body)
	if res.Status != FullFrame {
		t.Fatalf("status = %v, want FullFrame", res.Status)
	}
	if res.FrameLength != 10 {
		t.Errorf("FrameLength = %d, want 10", res.FrameLength)
	}
	if res.PayloadOffset != 1 || res.PayloadLength != 9 {
		t.Errorf("payload bounds = (%d,%d), want (1,9)", res.PayloadOffset, res.PayloadLength)
	}
}

func TestRecognizeWMBusRejectsBogusShortLength(t *testing.T) {
	buf := mustHex(t, "03" + "0102")
	if got := RecognizeWMBus(buf).Status; got != ErrorInFrame {
		t.Errorf("status = %v, want ErrorInFrame", got)
	}
}

func TestRecognizeWMBusChunkedMatchesConcatenated(t *testing.T) {
	full := mustHex(t, "09"+"449315785634120102")

	// Feed the recognizer prefixes growing one byte at a time; it must
	// report PartialFrame until the full length is available and then
	// agree with a single-shot call on the final result.
	for n := 0; n < len(full); n++ {
		got := RecognizeWMBus(full[:n]).Status
		if got != PartialFrame {
			t.Fatalf("prefix length %d: status = %v, want PartialFrame", n, got)
		}
	}

	oneShot := RecognizeWMBus(full)
	chunked := RecognizeWMBus(full)
	if oneShot != chunked {
		t.Errorf("chunked result %+v != one-shot result %+v", chunked, oneShot)
	}
}

func TestRecognizeMBusSingleChar(t *testing.T) {
	res := RecognizeMBus([]byte{0xE5})
	if res.Status != FullFrame || res.FrameLength != 1 {
		t.Errorf("got %+v, want FullFrame len 1", res)
	}
}

func TestRecognizeMBusShortFrame(t *testing.T) {
	// C=0x53, A=0x01, checksum = (C+A) mod 256 = 0x54
	buf := []byte{mbusShortStart, 0x53, 0x01, 0x54, mbusStop}
	res := RecognizeMBus(buf)
	if res.Status != FullFrame {
		t.Fatalf("status = %v, want FullFrame", res.Status)
	}
	if res.FrameLength != 5 {
		t.Errorf("FrameLength = %d, want 5", res.FrameLength)
	}
}

func TestRecognizeMBusShortFrameBadChecksum(t *testing.T) {
	buf := []byte{mbusShortStart, 0x53, 0x01, 0x00, mbusStop}
	if got := RecognizeMBus(buf).Status; got != ErrorInFrame {
		t.Errorf("status = %v, want ErrorInFrame", got)
	}
}

func TestRecognizeMBusLongFramePartial(t *testing.T) {
	buf := []byte{mbusLongStart, 0x05, 0x05, mbusLongStart, 0x01, 0x02}
	if got := RecognizeMBus(buf).Status; got != PartialFrame {
		t.Errorf("status = %v, want PartialFrame", got)
	}
}

func TestRecognizeMBusLongFrameFull(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	var sum byte
	for _, b := range data {
		sum += b
	}
	buf := append([]byte{mbusLongStart, 0x05, 0x05, mbusLongStart}, data...)
	buf = append(buf, sum, mbusStop)

	res := RecognizeMBus(buf)
	if res.Status != FullFrame {
		t.Fatalf("status = %v, want FullFrame", res.Status)
	}
	if res.PayloadOffset != 4 || res.PayloadLength != 5 {
		t.Errorf("payload bounds = (%d,%d), want (4,5)", res.PayloadOffset, res.PayloadLength)
	}
	if res.FrameLength != len(buf) {
		t.Errorf("FrameLength = %d, want %d", res.FrameLength, len(buf))
	}
}

func TestRecognizeMBusLongFrameMismatchedLengthBytesIsError(t *testing.T) {
	buf := []byte{mbusLongStart, 0x05, 0x06, mbusLongStart, 0, 0, 0, 0, 0, 0, 0}
	if got := RecognizeMBus(buf).Status; got != ErrorInFrame {
		t.Errorf("status = %v, want ErrorInFrame", got)
	}
}

func TestRecognizeMBusUnknownStartByteIsError(t *testing.T) {
	if got := RecognizeMBus([]byte{0x7F}).Status; got != ErrorInFrame {
		t.Errorf("status = %v, want ErrorInFrame", got)
	}
}
