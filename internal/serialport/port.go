// Package serialport owns the serial side of the bridge: opening the
// device that carries the whisper byte stream and pumping its bytes
// into the link with timeout-tolerant, backoff-driven reads.
package serialport

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts the serial device for testability. ReadLoop and the
// link's DataWrite are the only consumers.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the device with a read timeout so ReadLoop can poll for
// shutdown between reads.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
