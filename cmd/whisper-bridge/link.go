package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duetocode/go-whisper-bridge/internal/hub"
	"github.com/duetocode/go-whisper-bridge/internal/metrics"
	"github.com/duetocode/go-whisper-bridge/internal/serialport"
	"github.com/duetocode/go-whisper-bridge/internal/server"
	"github.com/duetocode/go-whisper-bridge/internal/timer"
	"github.com/duetocode/go-whisper-bridge/internal/transport"
	"github.com/duetocode/go-whisper-bridge/internal/whisper"
	"github.com/duetocode/go-whisper-bridge/internal/wire"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serialport.Open

// linkBridge runs one whisper link over one serial port. The link
// itself is single-context by contract; mu serialises the three entry
// paths (serial RX loop, TX worker, retransmission timer).
type linkBridge struct {
	mu     sync.Mutex
	link   *whisper.Link
	sp     serialport.Port
	sched  *timer.Scheduler
	hub    *hub.Hub
	logger *slog.Logger

	// slotFree is pulsed whenever the transmit slot resolves, so the
	// TX worker can stop polling early.
	slotFree chan struct{}
}

func newLinkBridge(sp serialport.Port, h *hub.Hub, l *slog.Logger, bufSize int) (*linkBridge, error) {
	b := &linkBridge{
		sp:       sp,
		sched:    &timer.Scheduler{},
		hub:      h,
		logger:   l,
		slotFree: make(chan struct{}, 1),
	}
	link, err := whisper.New(whisper.Config{
		Buf: make([]byte, bufSize),
		DataWrite: func(p []byte) {
			if _, err := b.sp.Write(p); err != nil {
				metrics.IncError(metrics.ErrSerialWrite)
				b.logger.Error("serial_write_error", "error", err)
			}
		},
		PacketReceived: func(payload []byte) {
			// the slice dies with the callback; Make copies it
			metrics.IncLinkRx()
			b.hub.Broadcast(wire.Make(payload))
		},
		DataAck: func(seq uint16, sent bool) {
			if !sent {
				metrics.IncSendFailure()
				b.logger.Warn("link_send_exhausted", "seq", seq)
			}
			b.pulseSlotFree()
		},
		SetDelay:    b.setDelay,
		CancelDelay: b.sched.Cancel,
	})
	if err != nil {
		return nil, err
	}
	b.link = link
	return b, nil
}

// setDelay arms the retransmission timer, re-entering the link under
// the bridge mutex when it fires.
func (b *linkBridge) setDelay(d time.Duration, fn func()) {
	b.sched.Schedule(d, func() {
		b.mu.Lock()
		fn()
		b.mu.Unlock()
	})
}

func (b *linkBridge) pulseSlotFree() {
	select {
	case b.slotFree <- struct{}{}:
	default:
	}
}

// feed drives inbound serial bytes through the link.
func (b *linkBridge) feed(data []byte) {
	b.mu.Lock()
	err := b.link.DataReceived(data)
	b.mu.Unlock()
	if err != nil {
		metrics.IncError(metrics.ErrLinkInternal)
		b.logger.Error("link_recover", "error", err)
	}
}

// send submits one client packet, waiting out the single transmit slot
// within sendRetryBudget. Runs on the TX worker goroutine only.
func (b *linkBridge) send(ctx context.Context, p wire.Packet) error {
	deadline := time.Now().Add(sendRetryBudget)
	for {
		b.mu.Lock()
		seq := b.link.Send(p.Bytes(), true)
		b.mu.Unlock()
		if seq != 0 {
			metrics.IncLinkTx()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: slot occupied beyond %v", server.ErrLinkBusy, sendRetryBudget)
		}
		select {
		case <-b.slotFree:
		case <-time.After(busyPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// initLink opens the serial device, starts the whisper link and its RX
// loop, and returns a packet sender plus cleanup.
func initLink(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (server.SendFunc, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	b, err := newLinkBridge(sp, h, l, cfg.linkBufSize)
	if err != nil {
		_ = sp.Close()
		return nil, func() {}, fmt.Errorf("init link: %w", err)
	}
	w := transport.NewAsyncTx(ctx, txQueueSize, func(p wire.Packet) error { return b.send(ctx, p) }, transport.Hooks{
		OnError: func(err error) {
			if errors.Is(err, server.ErrLinkBusy) {
				metrics.IncError(metrics.ErrLinkBusy)
				l.Warn("link_busy_drop", "error", err)
				return
			}
			metrics.IncError(metrics.ErrSerialWrite)
			l.Error("link_send_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkBusy)
			return fmt.Errorf("%w: tx queue full", server.ErrLinkBusy)
		},
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		serialport.ReadLoop(ctx, sp, serialport.RxConfig{Logger: l}, b.feed)
	}()
	cleanup := func() {
		_ = sp.Close()
		w.Close()
		b.sched.Cancel()
	}
	return w.SendPacket, cleanup, nil
}
