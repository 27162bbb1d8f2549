package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "WHISPERv1"

// Handshake runs the symmetric hello exchange on a fresh client
// connection: each side sends the protocol magic followed by one byte
// advertising the largest payload it will frame. It returns the bound
// the peer advertised; a zero bound is rejected here, compatibility
// with the local codec is the caller's decision.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) (int, error) {
	if deadlineErr := c.SetDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return 0, fmt.Errorf("set deadline: %w", deadlineErr)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	boundCh := make(chan int, 1)

	go func() {
		_, err := c.Write(append([]byte(hello), byte(MaxPayload)))
		errCh <- err
	}()

	go func() {
		buf := make([]byte, len(hello)+1)
		_, err := io.ReadFull(c, buf)
		if err == nil {
			switch {
			case string(buf[:len(hello)]) != hello:
				err = errors.New("bad hello")
			case buf[len(hello)] == 0:
				err = errors.New("zero payload bound")
			default:
				boundCh <- int(buf[len(hello)])
			}
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case err := <-errCh:
			if err != nil {
				return 0, fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return <-boundCh, nil
}
