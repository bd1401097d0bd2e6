package protocol

import (
	"encoding/binary"
	"math"
)

const (
	// SyncBarker opens every sync packet on the wire.
	SyncBarker uint32 = 0x5C5A17C0

	// MinSyncSize is barker + index.
	MinSyncSize = 8

	// DefaultSyncSize is the sync packet size used when a layer does not override it.
	DefaultSyncSize = MinSyncSize

	// LastSeenSentinel is the receiver's initial "last seen" index. The device
	// starts counting at 0, so NextSyncIndex(LastSeenSentinel) == 0.
	LastSeenSentinel SyncIndex = math.MaxUint32
)

// SyncIndex is the wrapping sync sequence number carried by sync packets.
type SyncIndex uint32

// NextSyncIndex returns the index that follows i, wrapping modulo 2^32.
func NextSyncIndex(i SyncIndex) SyncIndex {
	return i + 1
}

// ValidateSyncSize checks a configured sync packet size.
func ValidateSyncSize(size int) error {
	if size < MinSyncSize {
		return ErrInvalidSyncSize
	}
	return nil
}

// EncodeSync writes a sync packet carrying idx into dst[:size] and returns it.
// Bytes past the index are zero filled.
func EncodeSync(dst []byte, size int, idx SyncIndex) ([]byte, error) {
	if err := ValidateSyncSize(size); err != nil {
		return nil, err
	}
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	buf := dst[:size]
	binary.BigEndian.PutUint32(buf[0:4], SyncBarker)
	binary.BigEndian.PutUint32(buf[4:8], uint32(idx))
	clear(buf[MinSyncSize:])
	return buf, nil
}

// NewSyncPacket allocates a sync packet of size bytes carrying idx.
func NewSyncPacket(size int, idx SyncIndex) ([]byte, error) {
	return EncodeSync(nil, size, idx)
}

// IsSyncPacket reports whether buf[offset:offset+size] has the sync packet
// shape. It is a structural check only; the index is not validated.
func IsSyncPacket(buf []byte, offset, size, syncSize int) bool {
	if syncSize < MinSyncSize || size != syncSize {
		return false
	}
	if offset < 0 || offset+size > len(buf) {
		return false
	}
	return binary.BigEndian.Uint32(buf[offset:offset+4]) == SyncBarker
}

// DecodeSyncIndex returns the index carried by the sync packet at buf[offset:].
func DecodeSyncIndex(buf []byte, offset int) (SyncIndex, error) {
	if offset < 0 || offset+MinSyncSize > len(buf) {
		return 0, ErrShortSyncPacket
	}
	if binary.BigEndian.Uint32(buf[offset:offset+4]) != SyncBarker {
		return 0, ErrNotSyncPacket
	}
	return SyncIndex(binary.BigEndian.Uint32(buf[offset+4 : offset+8])), nil
}

// IsSyncExpected reports whether a sync marker is due at offset: the bytes
// accumulated since initialOffset are a positive whole multiple of periodSize.
//
// periodSize is the sync group period from SyncPeriod, frameSize times
// framesPerSync, not the frame size. Writers place one marker after every
// group, so with framesPerSync == 1 the two coincide.
func IsSyncExpected(offset, initialOffset, periodSize int) bool {
	if periodSize <= 0 || offset <= initialOffset {
		return false
	}
	return (offset-initialOffset)%periodSize == 0
}

// SyncPeriod returns the number of frame bytes between two sync markers.
func SyncPeriod(frameSize int, framesPerSync uint32) (int, error) {
	if frameSize <= 0 {
		return 0, ErrInvalidPeriod
	}
	if framesPerSync == 0 {
		return 0, ErrInvalidFrameCount
	}
	return frameSize * int(framesPerSync), nil
}

// FramesPerSync resolves the sync cadence at activation. A non-zero dynamic
// batch size wins, then the configured value, then one frame per sync.
func FramesPerSync(dynamicBatchSize uint16, configured uint32) uint32 {
	if dynamicBatchSize > 0 {
		return uint32(dynamicBatchSize)
	}
	if configured > 0 {
		return configured
	}
	return 1
}
