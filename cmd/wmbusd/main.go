// wmbusd reads wM-Bus/M-Bus telegrams from one or more configured Byte
// Sources, decodes and dispatches them to configured meter drivers, and
// serves the resulting readings over a websocket for cmd/wmbus-sink (or
// any other consumer) to subscribe to.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/muffintsi/wmbusd/pkg/config"
	"github.com/muffintsi/wmbusd/pkg/daemon"
	"github.com/muffintsi/wmbusd/pkg/frame"
	"github.com/muffintsi/wmbusd/pkg/pathing"
	"github.com/muffintsi/wmbusd/pkg/registry"
	"github.com/muffintsi/wmbusd/pkg/simulator"
	"github.com/muffintsi/wmbusd/pkg/sink"
	"github.com/muffintsi/wmbusd/pkg/source"
	"github.com/muffintsi/wmbusd/pkg/telegram"
)

func main() {
	if err := config.LoadDaemonConfig(); err != nil {
		log.Fatalf("wmbusd: failed to load config: %v", err)
	}
	cfg := config.ActiveDaemonConfig

	exitAfter := time.Duration(cfg.ExitAfterSeconds) * time.Second
	core := daemon.New(cfg.ExpectDevicesToWork, exitAfter)

	for _, m := range cfg.Meters {
		key, err := parseKey(m.Key)
		if err != nil {
			log.Fatalf("wmbusd: meter %q: %v", m.Name, err)
		}
		if _, err := core.Registry.Add(m.Name, m.AddressPattern, m.DriverTag, key); err != nil {
			log.Fatalf("wmbusd: meter %q: %v", m.Name, err)
		}
	}

	broadcaster := sink.NewBroadcaster()
	core.Registry.AddSink(func(tel *telegram.Telegram, inst *registry.Instance) {
		reading := sink.Render(tel, inst)
		broadcaster.Broadcast(reading)
	})

	for _, dev := range cfg.Devices {
		src, err := source.FromConfig(dev)
		if err != nil {
			log.Fatalf("wmbusd: device %q: %v", dev.Path, err)
		}
		dialect := frame.DialectWMBus
		if dev.Dialect == "mbus" {
			dialect = frame.DialectMBus
		}

		if sim, ok := src.(*source.SimulatorSource); ok {
			startSimulator(core, sim, dev.Path)
		}
		if dev.Kind == "network" {
			startPingLoop(core, src)
		}
		core.OpenSource(src, dialect)
	}

	http.HandleFunc("/ws", broadcaster.ServeHTTP)
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "running",
			"clients": broadcaster.ClientCount(),
			"meters":  len(core.Registry.Instances()),
		})
	})

	listenAddr := cfg.SinkListenAddress
	if listenAddr == "" {
		listenAddr = "0.0.0.0:9090"
	}
	go func() {
		log.Printf("wmbusd: serving readings on %s", listenAddr)
		log.Fatal(http.ListenAndServe(listenAddr, nil))
	}()

	core.Run()
}

func parseKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex %q: %w", hexKey, err)
	}
	return key, nil
}

// startSimulator loads the named script from the config directory and
// replays it into src once the daemon is running, matching
// original_source/src/wmbus_simulator.cc's behavior of running once
// through the whole script and then stopping the manager.
func startSimulator(core *daemon.Core, src *source.SimulatorSource, scriptName string) {
	scriptPath := pathing.GetSimulatorScriptPath(scriptName)
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		log.Printf("wmbusd: simulator %s: %v", scriptName, err)
		return
	}
	entries, err := simulator.ParseScript(data)
	if err != nil {
		log.Printf("wmbusd: simulator %s: %v", scriptName, err)
		return
	}
	go func() {
		// Replay gives up as soon as running() is false, so wait for
		// core.Run to start first.
		for !core.IsRunning() {
			time.Sleep(100 * time.Millisecond)
		}
		simulator.Replay(entries, core.IsRunning, src.Fill, func() {
			// Fill only queues bytes; stop once the readiness loop has
			// taken the last of them.
			for src.CheckIfDataIsPending() && core.IsRunning() {
				time.Sleep(100 * time.Millisecond)
			}
			core.Stop()
		})
	}()
}

// startPingLoop checks liveness of a network source on its own interval
// via the daemon's timer wheel. A failed ping is logged only — Receive
// already surfaces a dead TCP connection through its own error path,
// which the event loop's sweep turns into a close-and-retry through
// Core.OpenSource's pending-reconnect list. Ping exists to make a dead
// peer visible in the logs before the TCP stack itself notices, not to
// drive the reconnect decision.
func startPingLoop(core *daemon.Core, src source.Source) {
	pinger, ok := src.(interface {
		Ping() (bool, time.Duration, error)
		PingInterval() time.Duration
	})
	if !ok {
		return
	}
	interval := pinger.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	core.AddTimer("ping-"+src.Identity(), interval, func(time.Time) {
		ok, rtt, err := pinger.Ping()
		if err != nil || !ok {
			log.Printf("wmbusd: %s: ping failed: %v", src.Identity(), err)
			return
		}
		log.Printf("wmbusd: %s: ping ok, rtt=%s", src.Identity(), rtt)
	})
}
