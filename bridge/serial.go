package bridge

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig selects the serial port of an SPI adapter.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// OpenSerial opens the serial port described by cfg. Both a [Client] and a
// [Server] can run on the returned stream.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("no serial device configured")
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return port, nil
}
