package main

import (
	"time"

	"github.com/duetocode/go-whisper-bridge/internal/whisper"
)

const (
	txQueueSize = 1024 // capacity of async TX ring

	// defaultLinkBufSize is the whisper receive buffer capacity. One
	// maximum frame plus headroom for the bytes of the next frame that
	// arrive while the current one is being parsed.
	defaultLinkBufSize = 2 * (whisper.Overhead + whisper.MaxPayload)
	// minLinkBufSize is the smallest buffer that can hold any frame.
	minLinkBufSize = whisper.Overhead + whisper.MaxPayload

	// sendRetryBudget bounds how long the TX worker waits for the
	// link's single transmit slot before dropping a client packet. The
	// slot resolves within MaxRetransmissions * RetransmissionDelay in
	// the worst case; budget for two such cycles.
	sendRetryBudget  = 2 * whisper.MaxRetransmissions * whisper.RetransmissionDelay
	busyPollInterval = 10 * time.Millisecond
)
