// Package source implements spec.md §4.A's Byte Source abstraction: a
// uniform interface over TTY, sub-process, file/stdin, simulator, and
// network byte streams, each producing batches of bytes and a liveness
// signal for the event loop in pkg/eventloop.
package source

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	probing "github.com/prometheus-community/pro-bing"
)

// Kind names which concrete byte stream a Source wraps.
type Kind int

const (
	KindTTY Kind = iota
	KindSubprocess
	KindFile
	KindStdin
	KindSimulator
	KindNetwork
)

// OpenResult is the outcome of Open, per spec.md §4.A.
type OpenResult int

const (
	AccessOK OpenResult = iota
	NotThere
	NotSameGroup
)

// Parity selects the serial parity mode for a TTY source.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Source is the capability-set every Byte Source variant implements,
// replacing an inheritance lattice with one shared interface per
// spec.md §9.
type Source interface {
	Identity() string
	Kind() Kind
	Open(strict bool) (OpenResult, error)
	// Receive returns all currently available bytes without blocking.
	// eof is true once the source has reached end-of-stream (file/stdin)
	// and will never produce more data.
	Receive() (data []byte, eof bool, err error)
	Send(data []byte) (bool, error)
	Close() error

	Opened() bool
	Working() bool
	IsClosed() bool
	Resetting() bool
	ReadOnly() bool
	SkippingCallbacks() bool

	// CheckIfDataIsPending is a cheap peek at whether bytes are queued.
	// Only the simulator variant tracks this; the others always report
	// false. The readiness loop does not consult it.
	CheckIfDataIsPending() bool

	// FD returns -1 for every variant in this package: none exposes a
	// descriptor for readiness multiplexing, and the readiness loop polls
	// Receive instead.
	FD() int
}

// base holds the state and bookkeeping shared by every Source
// implementation: the opened/working/closed/resetting/skip bits under one
// RWMutex, and the readonly flag.
type base struct {
	identity string
	kind     Kind
	readOnly bool

	mu sync.RWMutex

	opened    bool
	working   bool
	closed    bool
	resetting bool
	skipping  bool
}

func (b *base) Identity() string { return b.identity }
func (b *base) Kind() Kind       { return b.kind }
func (b *base) ReadOnly() bool   { return b.readOnly }

func (b *base) Opened() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opened
}

func (b *base) Working() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.working
}

func (b *base) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *base) Resetting() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resetting
}

func (b *base) SkippingCallbacks() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.skipping
}

func (b *base) setWorking(working bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.working = working
}

func (b *base) setOpened(opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = opened
}

// Readable reports the readiness loop's inclusion predicate from
// spec.md §3: opened ∧ working ∧ ¬resetting ∧ ¬skippingCallbacks.
func Readable(s Source) bool {
	return s.Opened() && s.Working() && !s.Resetting() && !s.SkippingCallbacks()
}

// --- TTY ---

var baudRates = map[int]bool{
	300: true, 600: true, 1200: true, 2400: true, 4800: true,
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
}

// TTYSource wraps a serial device, per spec.md §4.A and §6.
type TTYSource struct {
	base
	path   string
	baud   int
	parity Parity

	port io.ReadWriteCloser
}

func NewTTY(path string, baud int, parity Parity) (*TTYSource, error) {
	if !baudRates[baud] {
		return nil, fmt.Errorf("source: unsupported baud rate %d", baud)
	}
	return &TTYSource{base: base{identity: path, kind: KindTTY}, path: path, baud: baud, parity: parity}, nil
}

func (t *TTYSource) Open(strict bool) (OpenResult, error) {
	parity := serial.PARITY_NONE
	switch t.parity {
	case ParityEven:
		parity = serial.PARITY_EVEN
	case ParityOdd:
		parity = serial.PARITY_ODD
	}

	options := serial.OpenOptions{
		PortName:        t.path,
		BaudRate:        uint(t.baud),
		DataBits:        8,
		StopBits:        1,
		ParityMode:      parity,
		MinimumReadSize: 0,
	}

	port, err := serial.Open(options)
	if err != nil {
		if os.IsNotExist(err) {
			return NotThere, nil
		}
		if strict {
			return NotSameGroup, fmt.Errorf("source: open %s: %w", t.path, err)
		}
		return NotThere, fmt.Errorf("source: open %s: %w", t.path, err)
	}

	t.port = port
	t.setOpened(true)
	t.setWorking(true)
	return AccessOK, nil
}

func (t *TTYSource) Receive() ([]byte, bool, error) {
	if t.port == nil {
		return nil, false, fmt.Errorf("source: %s not open", t.path)
	}
	buf := make([]byte, 4096)
	n, err := t.port.Read(buf)
	if err != nil {
		if err == io.EOF {
			t.setWorking(false)
			return buf[:n], true, nil
		}
		t.setWorking(false)
		return nil, false, fmt.Errorf("source: read %s: %w", t.path, err)
	}
	return buf[:n], false, nil
}

func (t *TTYSource) Send(data []byte) (bool, error) {
	if t.port == nil {
		return false, fmt.Errorf("source: %s not open", t.path)
	}
	_, err := t.port.Write(data)
	if err != nil {
		return false, fmt.Errorf("source: write %s: %w", t.path, err)
	}
	return true, nil
}

func (t *TTYSource) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.working = false
	t.mu.Unlock()

	if t.port != nil {
		return t.port.Close()
	}
	return nil
}

func (t *TTYSource) CheckIfDataIsPending() bool { return false }
func (t *TTYSource) FD() int                    { return -1 }

// --- Subprocess ---

// SubprocessSource treats a sub-process's stdout as the byte stream.
type SubprocessSource struct {
	base
	command string
	args    []string
	env     []string

	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func NewSubprocess(command string, args, env []string) *SubprocessSource {
	return &SubprocessSource{base: base{identity: command, kind: KindSubprocess, readOnly: true}, command: command, args: args, env: env}
}

func (s *SubprocessSource) Open(strict bool) (OpenResult, error) {
	cmd := exec.Command(s.command, s.args...)
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return NotThere, fmt.Errorf("source: stdout pipe for %s: %w", s.command, err)
	}
	if err := cmd.Start(); err != nil {
		return NotThere, fmt.Errorf("source: start %s: %w", s.command, err)
	}
	s.cmd = cmd
	s.stdout = stdout
	s.setOpened(true)
	s.setWorking(true)
	return AccessOK, nil
}

func (s *SubprocessSource) Receive() ([]byte, bool, error) {
	buf := make([]byte, 4096)
	n, err := s.stdout.Read(buf)
	if err != nil {
		if err == io.EOF {
			s.setWorking(false)
			return buf[:n], true, nil
		}
		s.setWorking(false)
		return nil, false, fmt.Errorf("source: read %s: %w", s.command, err)
	}
	return buf[:n], false, nil
}

func (s *SubprocessSource) Send(data []byte) (bool, error) {
	return true, nil // read-only by convention: a sub-process's stdin isn't wired up.
}

func (s *SubprocessSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.working = false
	s.mu.Unlock()

	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		return s.cmd.Wait()
	}
	return nil
}

func (s *SubprocessSource) CheckIfDataIsPending() bool { return false }
func (s *SubprocessSource) FD() int                    { return -1 }

// --- File / stdin ---

// FileSource reads a plain file or stdin; EOF closes the source, per
// spec.md §4.A.
type FileSource struct {
	base
	path string
	f    io.ReadCloser
}

func NewFile(path string) *FileSource {
	return &FileSource{base: base{identity: path, kind: KindFile, readOnly: true}, path: path}
}

func NewStdin() *FileSource {
	return &FileSource{base: base{identity: "stdin", kind: KindStdin, readOnly: true}, path: "-"}
}

func (f *FileSource) Open(strict bool) (OpenResult, error) {
	if f.path == "-" {
		f.f = os.Stdin
		f.setOpened(true)
		f.setWorking(true)
		return AccessOK, nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NotThere, nil
		}
		return NotThere, fmt.Errorf("source: open %s: %w", f.path, err)
	}
	f.f = file
	f.setOpened(true)
	f.setWorking(true)
	return AccessOK, nil
}

func (f *FileSource) Receive() ([]byte, bool, error) {
	buf := make([]byte, 4096)
	n, err := f.f.Read(buf)
	if err != nil {
		if err == io.EOF {
			f.setWorking(false)
			return buf[:n], true, nil
		}
		f.setWorking(false)
		return nil, false, fmt.Errorf("source: read %s: %w", f.path, err)
	}
	return buf[:n], false, nil
}

func (f *FileSource) Send(data []byte) (bool, error) { return true, nil }

func (f *FileSource) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.working = false
	f.mu.Unlock()

	if f.f != nil && f.path != "-" {
		return f.f.Close()
	}
	return nil
}

func (f *FileSource) CheckIfDataIsPending() bool { return false }
func (f *FileSource) FD() int                    { return -1 }

// --- Simulator ---

// SimulatorSource holds pre-loaded bytes and exposes Fill, which triggers
// one on-data delivery, per spec.md §4.A's simulator variant.
type SimulatorSource struct {
	base
	mu      sync.Mutex
	pending []byte
}

func NewSimulator(name string) *SimulatorSource {
	return &SimulatorSource{base: base{identity: name, kind: KindSimulator, readOnly: true}}
}

func (s *SimulatorSource) Open(strict bool) (OpenResult, error) {
	s.setOpened(true)
	s.setWorking(true)
	return AccessOK, nil
}

// Fill queues bytes for delivery on the next Receive call.
func (s *SimulatorSource) Fill(data []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, data...)
	s.mu.Unlock()
}

func (s *SimulatorSource) Receive() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.pending
	s.pending = nil
	return data, false, nil
}

func (s *SimulatorSource) Send(data []byte) (bool, error) { return true, nil }

func (s *SimulatorSource) Close() error {
	s.base.mu.Lock()
	s.base.closed = true
	s.base.working = false
	s.base.mu.Unlock()
	return nil
}

func (s *SimulatorSource) CheckIfDataIsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *SimulatorSource) FD() int { return -1 }

// --- Network ---

// NetworkSource reads from a TCP gateway and runs a liveness probe on a
// configurable interval via github.com/prometheus-community/pro-bing,
// per SPEC_FULL.md §4.A/§6. The probe is invoked from the timer loop, not
// the readiness loop, so a slow or lost ping can never block readiness
// past its 1s ceiling.
type NetworkSource struct {
	base
	host         string
	port         int
	pingTarget   string
	pingInterval time.Duration

	conn       io.ReadWriteCloser
	lastPingOK bool
}

func NewNetwork(host string, port int, pingTarget string, pingInterval time.Duration) *NetworkSource {
	if pingTarget == "" {
		pingTarget = host
	}
	return &NetworkSource{
		base:         base{identity: fmt.Sprintf("%s:%d", host, port), kind: KindNetwork},
		host:         host,
		port:         port,
		pingTarget:   pingTarget,
		pingInterval: pingInterval,
	}
}

func (n *NetworkSource) Open(strict bool) (OpenResult, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", n.host, n.port), 5*time.Second)
	if err != nil {
		return NotThere, nil
	}
	n.conn = conn
	n.setOpened(true)
	n.setWorking(true)
	return AccessOK, nil
}

func (n *NetworkSource) Receive() ([]byte, bool, error) {
	if n.conn == nil {
		return nil, false, fmt.Errorf("source: %s not connected", n.identity)
	}
	buf := make([]byte, 4096)
	readN, err := n.conn.Read(buf)
	if err != nil {
		if err == io.EOF {
			n.setWorking(false)
			return buf[:readN], true, nil
		}
		n.setWorking(false)
		return nil, false, fmt.Errorf("source: read %s: %w", n.identity, err)
	}
	return buf[:readN], false, nil
}

func (n *NetworkSource) Send(data []byte) (bool, error) {
	if n.conn == nil {
		return false, fmt.Errorf("source: %s not connected", n.identity)
	}
	if _, err := n.conn.Write(data); err != nil {
		return false, fmt.Errorf("source: write %s: %w", n.identity, err)
	}
	return true, nil
}

func (n *NetworkSource) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.working = false
	n.mu.Unlock()

	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

func (n *NetworkSource) CheckIfDataIsPending() bool { return false }
func (n *NetworkSource) FD() int                    { return -1 }

// Ping runs a single ICMP echo against the configured target with a
// short timeout, grounded on the teacher's solarinverter ping helper.
// It never blocks longer than its 2s timeout, and since it is only ever
// called from the timer loop it never holds up the readiness loop's 1s
// ceiling.
func (n *NetworkSource) Ping() (ok bool, rtt time.Duration, err error) {
	pinger, err := probing.NewPinger(n.pingTarget)
	if err != nil {
		return false, 0, fmt.Errorf("source: ping %s: %w", n.pingTarget, err)
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return false, 0, fmt.Errorf("source: ping %s: %w", n.pingTarget, err)
	}

	stats := pinger.Statistics()
	n.lastPingOK = stats.PacketsRecv > 0
	if n.lastPingOK {
		return true, stats.AvgRtt, nil
	}
	return false, 0, fmt.Errorf("source: ping %s: no response", n.pingTarget)
}

func (n *NetworkSource) PingInterval() time.Duration { return n.pingInterval }
