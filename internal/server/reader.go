package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/duetocode/go-whisper-bridge/internal/hub"
	"github.com/duetocode/go-whisper-bridge/internal/metrics"
	"github.com/duetocode/go-whisper-bridge/internal/transport"
	"github.com/duetocode/go-whisper-bridge/internal/wire"
)

// startReader launches the goroutine draining packets submitted by one
// client and handing them to the link sender.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var count int
			var err error
			if mpd, ok := s.Codec.(transport.MultiPacketDecoder); ok {
				count, err = mpd.DecodeN(conn, 16, func(p wire.Packet) {
					metrics.IncTCPRx()
					s.submit(p, logger)
				})
			} else {
				var p wire.Packet
				p, err = s.Codec.Decode(conn)
				if err == nil {
					metrics.IncTCPRx()
					s.submit(p, logger)
					count = 1
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// submit hands a client packet to the link sender and classifies the
// failure modes.
func (s *Server) submit(p wire.Packet, logger *slog.Logger) {
	if err := s.Send(p); err != nil {
		if errors.Is(err, ErrLinkBusy) {
			s.totalLinkBusy.Add(1)
			logger.Debug("link_busy_drop", "len", p.Len)
			return
		}
		wrap := fmt.Errorf("%w: %v", ErrLinkTx, err)
		s.setError(wrap)
		s.totalLinkErrors.Add(1)
		logger.Error("link_tx_error", "error", wrap, "len", p.Len)
	}
}
