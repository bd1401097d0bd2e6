package protocol

import "errors"

var (
	ErrInvalidSyncSize   = errors.New("protocol: invalid sync size")
	ErrNotSyncPacket     = errors.New("protocol: not a sync packet")
	ErrInvalidPeriod     = errors.New("protocol: invalid sync period")
	ErrShortSyncPacket   = errors.New("protocol: truncated sync packet")
	ErrInvalidFrameCount = errors.New("protocol: invalid frames per sync")
)
