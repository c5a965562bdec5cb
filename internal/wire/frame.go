package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's body to guard against a
// malicious or corrupt length prefix requesting an unbounded read.
const MaxFrameSize = 1 << 20 // 1 MiB

// MaxConsecutiveBadFrames is the number of consecutive frame decode
// failures (header or CBOR) that close the connection, per spec §4.1.
const MaxConsecutiveBadFrames = 3

// WriteFrame writes one length-prefixed packet to w: a 4-byte
// big-endian length header followed by the CBOR-encoded body.
func WriteFrame(w io.Writer, p Packet) error {
	body, err := EncodePacket(p)
	if err != nil {
		return fmt.Errorf("encoding frame body: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// FrameReader decodes a stream of length-prefixed packets, tracking
// consecutive decode failures so the caller can close the connection
// once MaxConsecutiveBadFrames is reached (spec §4.1).
type FrameReader struct {
	r            *bufio.Reader
	badFrameRun  int
}

// NewFrameReader wraps r for framed packet reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ErrTooManyBadFrames is returned once three consecutive frames fail to
// decode; the caller must close the connection.
var ErrTooManyBadFrames = fmt.Errorf("too many consecutive malformed frames")

// ReadPacket reads and decodes the next packet. A malformed frame is
// reported as an error but does not itself close the connection; the
// caller should keep calling ReadPacket (which resyncs on the next
// frame boundary) until ErrTooManyBadFrames is returned.
func (fr *FrameReader) ReadPacket() (Packet, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return Packet{}, fmt.Errorf("reading frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		fr.badFrameRun++
		if fr.badFrameRun >= MaxConsecutiveBadFrames {
			return Packet{}, ErrTooManyBadFrames
		}
		if _, err := io.CopyN(io.Discard, fr.r, int64(size)); err != nil {
			return Packet{}, fmt.Errorf("skipping oversized frame body: %w", err)
		}
		return Packet{}, fmt.Errorf("frame too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Packet{}, fmt.Errorf("reading frame body: %w", err)
	}

	p, err := DecodePacket(body)
	if err != nil {
		fr.badFrameRun++
		if fr.badFrameRun >= MaxConsecutiveBadFrames {
			return Packet{}, ErrTooManyBadFrames
		}
		return Packet{}, fmt.Errorf("decoding frame: %w", err)
	}

	fr.badFrameRun = 0
	return p, nil
}
