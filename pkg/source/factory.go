package source

import (
	"fmt"
	"time"

	"github.com/muffintsi/wmbusd/pkg/config"
)

// FromConfig builds the concrete Source a device stanza describes.
func FromConfig(dev config.DeviceConfig) (Source, error) {
	switch dev.Kind {
	case "tty":
		parity := ParityNone
		switch dev.Parity {
		case "even":
			parity = ParityEven
		case "odd":
			parity = ParityOdd
		}
		baud := dev.Baud
		if baud == 0 {
			baud = 9600
		}
		return NewTTY(dev.Path, baud, parity)
	case "subprocess":
		return NewSubprocess(dev.Command, dev.Args, nil), nil
	case "file":
		return NewFile(dev.Path), nil
	case "stdin":
		return NewStdin(), nil
	case "simulator":
		return NewSimulator(dev.Path), nil
	case "network":
		interval := time.Duration(dev.PingInterval) * time.Second
		if interval == 0 {
			interval = 30 * time.Second
		}
		return NewNetwork(dev.Host, dev.Port, dev.PingTarget, interval), nil
	default:
		return nil, fmt.Errorf("source: unknown device kind %q", dev.Kind)
	}
}
