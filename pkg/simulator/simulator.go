// Package simulator replays pre-recorded telegrams from a script file,
// grounded on original_source/src/wmbus_simulator.cc's simulate().
package simulator

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is one parsed "telegram=..." line.
type Entry struct {
	Payload         []byte
	RelativeSeconds int
	HasRelativeTime bool
	rawLine         string
}

// ParseScript reads "telegram=<hex>" or "telegram=<hex>|+<seconds>"
// lines, per wmbus_simulator.cc's simulate(). Blank lines and lines not
// starting with "telegram=" are skipped, matching the original's
// silent `continue`.
func ParseScript(data []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "telegram=") {
			continue
		}

		rest := line[len("telegram="):]
		hexPart := rest
		relSeconds := 0
		hasRel := false
		if idx := strings.IndexByte(rest, '+'); idx >= 0 {
			hexPart = strings.ReplaceAll(rest[:idx], "|", "")
			secStr := rest[idx+1:]
			secStr = strings.TrimSuffix(secStr, "|")
			n, err := strconv.Atoi(strings.TrimSpace(secStr))
			if err != nil {
				return nil, fmt.Errorf("simulator: line %d: bad relative time %q: %w", lineNo, secStr, err)
			}
			relSeconds = n
			hasRel = true
		} else {
			hexPart = strings.ReplaceAll(hexPart, "|", "")
		}

		payload, err := hex.DecodeString(strings.TrimSpace(hexPart))
		if err != nil {
			return nil, fmt.Errorf("simulator: line %d: not a valid hex string %q: %w", lineNo, hexPart, err)
		}

		entries = append(entries, Entry{Payload: payload, RelativeSeconds: relSeconds, HasRelativeTime: hasRel, rawLine: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	return entries, nil
}

// Replay delivers each entry's payload to deliver in order, waiting
// out any relative-time offset before delivering it. The wait polls
// running() once per second and returns promptly once running() turns
// false, per spec.md §5's cancellation requirement for simulator
// replays. onDone is called once after the last entry (or on early
// cancellation), mirroring the original's manager_->stop() at the end
// of simulate().
func Replay(entries []Entry, running func() bool, deliver func(payload []byte), onDone func()) {
	start := time.Now()
	for _, e := range entries {
		if !running() {
			break
		}
		if e.HasRelativeTime {
			deadline := start.Add(time.Duration(e.RelativeSeconds) * time.Second)
			for time.Now().Before(deadline) {
				if !running() {
					if onDone != nil {
						onDone()
					}
					return
				}
				time.Sleep(1 * time.Second)
			}
		}
		deliver(e.Payload)
	}
	if onDone != nil {
		onDone()
	}
}
