// Package registry implements spec.md §4.F: configured meter instances
// are matched against decoded telegrams by wildcard address pattern and
// dispatched to their driver's processContent, with one-shot detection-
// mismatch warnings and the ignored-address bookkeeping from
// pkg/wmbuscrypto wired through.
package registry

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/muffintsi/wmbusd/pkg/meters"
	"github.com/muffintsi/wmbusd/pkg/telegram"
)

// Instance is one configured meter, created at config load and
// destroyed at shutdown — never re-created on telegram receipt, per
// spec.md §3's lifecycle invariant.
type Instance struct {
	Name           string
	AddressPattern string
	DriverTag      string
	Key            []byte

	Driver meters.Driver

	numUpdates int
	mu         sync.Mutex
}

// NumUpdates reports how many telegrams this instance has successfully
// processed.
func (inst *Instance) NumUpdates() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.numUpdates
}

// matchesAddress compares a hex address pattern with '*' nibble
// wildcards against a concrete DLL address.
func matchesAddress(pattern string, address uint32) bool {
	pattern = strings.ToUpper(strings.TrimSpace(pattern))
	if pattern == "" || pattern == "*" {
		return true
	}
	addrHex := fmt.Sprintf("%08X", address)
	if len(pattern) != len(addrHex) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			continue
		}
		if pattern[i] != addrHex[i] {
			return false
		}
	}
	return true
}

// OnReadingFunc is a sink callback (spec.md §6): invoked synchronously
// from Dispatch for every telegram an instance processes successfully.
type OnReadingFunc func(tel *telegram.Telegram, inst *Instance)

// Registry holds every configured Instance and the dedup sets spec.md
// §4.F names: warned_addresses for detection-mismatch warnings,
// ignored_addresses is owned by pkg/wmbuscrypto.IgnoreList and consulted
// by pkg/telegram directly, not duplicated here.
type Registry struct {
	mu        sync.Mutex
	instances []*Instance

	warnedMu sync.Mutex
	warned   map[uint32]bool

	sinksMu sync.Mutex
	sinks   []OnReadingFunc
}

// AddSink registers a reading callback. Zero, one, or many sinks may be
// registered; Dispatch calls every one of them in registration order,
// synchronously, on the same goroutine that decoded the telegram.
func (r *Registry) AddSink(fn OnReadingFunc) {
	r.sinksMu.Lock()
	r.sinks = append(r.sinks, fn)
	r.sinksMu.Unlock()
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{warned: make(map[uint32]bool)}
}

// Add registers a configured meter instance, resolving its driver tag
// through pkg/meters. Call once per configured meter at startup.
func (r *Registry) Add(name, addressPattern, driverTag string, key []byte) (*Instance, error) {
	driver, err := meters.New(driverTag, key)
	if err != nil {
		return nil, fmt.Errorf("registry: meter %q: %w", name, err)
	}
	inst := &Instance{Name: name, AddressPattern: addressPattern, DriverTag: driverTag, Key: key, Driver: driver}

	r.mu.Lock()
	r.instances = append(r.instances, inst)
	r.mu.Unlock()
	return inst, nil
}

// Instances returns a snapshot of every registered meter instance.
func (r *Registry) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

// Dispatch routes a decoded telegram to every meter instance whose
// address pattern matches, per spec.md §4.F. A telegram matching no
// instance is dropped silently. Detection mismatches between a driver's
// expected identity and the telegram's actual manufacturer/type/version
// are warned once per address and then the telegram is still passed to
// the user-selected driver — the first of the two policies spec.md §4.F
// allows, chosen because silently switching an operator's configured
// driver out from under them on a detection mismatch is more surprising
// than processing it anyway with a warning already on record.
func (r *Registry) Dispatch(tel *telegram.Telegram) (matched int, err error) {
	for _, inst := range r.matching(tel.DLL.Address) {
		r.checkIdentity(inst, tel)

		inst.mu.Lock()
		perr := inst.Driver.ProcessContent(tel)
		if perr == nil {
			inst.numUpdates++
		}
		inst.mu.Unlock()

		if perr != nil {
			log.Printf("registry: meter %q failed to process telegram from %08X: %v", inst.Name, tel.DLL.Address, perr)
			continue
		}
		matched++

		r.sinksMu.Lock()
		sinks := make([]OnReadingFunc, len(r.sinks))
		copy(sinks, r.sinks)
		r.sinksMu.Unlock()
		for _, sink := range sinks {
			sink(tel, inst)
		}
	}
	return matched, nil
}

// KeyFor returns the AES key configured for the first instance whose
// address pattern matches address, or nil if none do (or the matching
// instance carries no key). Used as pkg/telegram.KeyLookup.
func (r *Registry) KeyFor(address uint32) []byte {
	for _, inst := range r.matching(address) {
		if len(inst.Key) > 0 {
			return inst.Key
		}
	}
	return nil
}

func (r *Registry) matching(address uint32) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		if matchesAddress(inst.AddressPattern, address) {
			out = append(out, inst)
		}
	}
	return out
}

func (r *Registry) checkIdentity(inst *Instance, tel *telegram.Telegram) {
	identity, ok := inst.Driver.ExpectedIdentity()
	if !ok {
		return
	}
	matches := (identity.Manufacturer == 0 || identity.Manufacturer == tel.DLL.Manufacturer) &&
		(identity.DeviceType == 0 || identity.DeviceType == tel.DLL.DeviceType) &&
		(identity.Version == 0 || identity.Version == tel.DLL.Version)
	if matches {
		return
	}

	r.warnedMu.Lock()
	alreadyWarned := r.warned[tel.DLL.Address]
	r.warned[tel.DLL.Address] = true
	r.warnedMu.Unlock()

	if !alreadyWarned {
		log.Printf("registry: meter %q (driver %s) detection mismatch for address %08X: expected mfr=%04X type=%02X version=%02X, got mfr=%04X type=%02X version=%02X",
			inst.Name, inst.DriverTag, tel.DLL.Address,
			identity.Manufacturer, identity.DeviceType, identity.Version,
			tel.DLL.Manufacturer, tel.DLL.DeviceType, tel.DLL.Version)
	}
}
