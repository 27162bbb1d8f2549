package serialport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/duetocode/go-whisper-bridge/internal/logging"
	"github.com/duetocode/go-whisper-bridge/internal/metrics"
)

// ReadLoop defaults. tarm/serial signals a read timeout as a zero-byte
// EOF, so EOFs are transient here rather than terminal.
const (
	DefaultReadBufSize = 4096
	DefaultBackoffMin  = 20 * time.Millisecond
	DefaultBackoffMax  = 500 * time.Millisecond
)

// RxConfig tunes ReadLoop. The zero value is usable.
type RxConfig struct {
	BufSize    int                 // per-read buffer, default DefaultReadBufSize
	BackoffMin time.Duration       // first retry delay after a read error
	BackoffMax time.Duration       // backoff cap
	Sleep      func(time.Duration) // backoff sleep, default time.Sleep
	Logger     *slog.Logger        // default logging.L()
}

func (c *RxConfig) setDefaults() {
	if c.BufSize <= 0 {
		c.BufSize = DefaultReadBufSize
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.Logger == nil {
		c.Logger = logging.L()
	}
}

// ReadLoop pumps bytes from p into feed until ctx is cancelled or the
// device goes away (surfaced by the driver as *os.PathError). Read
// errors back off exponentially; a successful read resets the backoff.
// feed is called from this goroutine only, so the whisper link's
// single-context contract holds as long as the caller serialises feed
// against its other link entries.
func ReadLoop(ctx context.Context, p Port, cfg RxConfig, feed func([]byte)) {
	cfg.setDefaults()
	buf := make([]byte, cfg.BufSize)
	backoff := cfg.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := p.Read(buf)
		if n > 0 {
			feed(buf[:n])
			backoff = cfg.BackoffMin
		}
		if err != nil {
			if ctx.Err() != nil { // shutting down
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return // device removed or fatal
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout
			}
			metrics.IncError(metrics.ErrSerialRead)
			cfg.Logger.Warn("serial_read_error", "error", err, "backoff", backoff)
			cfg.Sleep(backoff)
			backoff *= 2
			if backoff > cfg.BackoffMax {
				backoff = cfg.BackoffMax
			}
		}
	}
}
