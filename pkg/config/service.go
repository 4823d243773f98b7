package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/muffintsi/wmbusd/pkg/pathing"
)

var ActiveDaemonConfig *DaemonConfig

// LoadDaemonConfig reads wmbusd.toml from the config directory, writing
// out a default file the first time it's missing.
func LoadDaemonConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "wmbusd.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &DaemonConfig{
			Devices: []DeviceConfig{
				{Kind: "simulator", Dialect: "wmbus"},
			},
			ExpectDevicesToWork: false,
			SinkListenAddress:   "0.0.0.0:9090",
			SqlitePath:          pathing.GetMeterDbPath(),
		}
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		if err := toml.NewEncoder(cfgFile).Encode(cfg); err != nil {
			return err
		}
		ActiveDaemonConfig = cfg
		return nil
	}

	var cfg DaemonConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return err
	}
	ActiveDaemonConfig = &cfg
	return nil
}
