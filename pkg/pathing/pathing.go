// Package pathing centralizes the on-disk locations the daemon reads
// configuration from and writes persistent state to.
package pathing

import (
	"log"
	"os"
	"path/filepath"
)

func init() {
	dirs := []string{GetDataDir()}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Fatal(err)
			}
		}
	}
}

func GetConfigDir() string {
	if v := os.Getenv("WMBUSD_CONFIG_DIR"); v != "" {
		return v
	}
	return "/etc/wmbusd"
}

func GetDataDir() string {
	if v := os.Getenv("WMBUSD_DATA_DIR"); v != "" {
		return v
	}
	return "/var/lib/wmbusd"
}

func GetMeterDbPath() string {
	return filepath.Join(GetDataDir(), "wmbusd-meters.db")
}

func GetSimulatorScriptPath(name string) string {
	return filepath.Join(GetConfigDir(), name)
}
