package relay

import "errors"

var (
	ErrPeerClosed   = errors.New("peer connection closed")
	ErrSlowConsumer = errors.New("peer send queue full")
)
