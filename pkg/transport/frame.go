package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize guards readFrame against treating a corrupt or hostile
// length prefix as a request to allocate an unbounded buffer.
const maxFrameSize = 16 << 20

// writeFrame writes a single length-prefixed frame: a 4-byte
// big-endian length followed by payload. Both registration JSON
// replies and decentralized notification arrays use this framing.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame. It returns io.EOF (or a
// wrapped network error) unchanged so callers can distinguish a clean
// close from a transport-fatal condition.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame length %d exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: read frame payload: %w", err)
	}
	return buf, nil
}
