package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
)

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// putHeader writes the frame header into hdr (len(hdr) >= HeaderSize)
func putHeader(hdr []byte, f Frame) {
	hdr[0] = byte(f.Type)
	hdr[1] = byte(f.Flags)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(f.Key)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Value)))
}

// checkEncodable rejects frames whose lengths do not fit into the header fields
func checkEncodable(f Frame) error {
	if len(f.Key) > MaxKeyLen {
		return fmt.Errorf("key of %d bytes does not fit into a frame", len(f.Key))
	}
	if uint64(len(f.Value)) > math.MaxUint32 {
		return fmt.Errorf("value of %d bytes does not fit into a frame", len(f.Value))
	}
	return nil
}

// AppendFrame appends the encoded frame to dst and returns the extended slice
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if err := checkEncodable(f); err != nil {
		return dst, err
	}

	var hdr [HeaderSize]byte
	putHeader(hdr[:], f)

	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Key...)
	dst = append(dst, f.Value...)
	return dst, nil
}

// Encode returns the encoded frame
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Size()), f)
}

// WriteFrame writes a single frame to w.
// Header, key and value are handed to w as one net.Buffers batch, which
// results in a single writev call for network connections.
func WriteFrame(w io.Writer, f Frame) error {
	if err := checkEncodable(f); err != nil {
		return err
	}

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, f)

	b := net.Buffers{hdr, f.Key, f.Value}
	_, err := b.WriteTo(w)
	return err
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// Reader decodes frames from a byte stream
//
// Thread-safety: A Reader must only be used by one goroutine at a time.
type Reader struct {
	r            io.Reader
	maxFrameSize int
	hdr          [HeaderSize]byte
}

// NewReader returns a Reader that rejects frames whose payload exceeds maxFrameSize
// (maxFrameSize <= 0 means DefaultMaxFrameSize)
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: r, maxFrameSize: maxFrameSize}
}

// Reset lets the Reader read from a new stream
func (r *Reader) Reset(rd io.Reader) {
	r.r = rd
}

// ReadFrame reads exactly one frame.
// It blocks until the whole frame has arrived.
//
// Errors:
//   - io.EOF if the stream ended cleanly between two frames
//   - io.ErrUnexpectedEOF if the stream ended inside a frame
//   - *ProtocolError if the frame is malformed
//   - any error of the underlying reader
func (r *Reader) ReadFrame() (Frame, error) {
	// header, a clean EOF is passed through as is
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return Frame{}, err
	}

	t := Type(r.hdr[0])
	flags := Flags(r.hdr[1])
	keyLen := int(binary.BigEndian.Uint16(r.hdr[2:4]))
	valueLen := uint64(binary.BigEndian.Uint32(r.hdr[4:8]))

	// the size check happens before anything is allocated
	if valueLen > uint64(r.maxFrameSize) {
		return Frame{}, protocolErrorf("%s frame of %d bytes exceeds maximum frame size of %d bytes", t, uint64(keyLen)+valueLen, r.maxFrameSize)
	}
	if err := validateHeader(t, flags, keyLen, int(valueLen), r.maxFrameSize); err != nil {
		return Frame{}, err
	}

	f := Frame{Type: t, Flags: flags}

	total := keyLen + int(valueLen)
	if total == 0 {
		return f, nil
	}

	buf := make([]byte, total)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		// the header was read, so any EOF is unexpected
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	if keyLen > 0 {
		f.Key = buf[:keyLen:keyLen]
	}
	if valueLen > 0 {
		f.Value = buf[keyLen:]
	}
	return f, nil
}

// Decode decodes a single frame from b and returns the number of bytes consumed.
// If b does not yet contain a whole frame, io.ErrUnexpectedEOF is returned.
// maxFrameSize <= 0 means DefaultMaxFrameSize.
func Decode(b []byte, maxFrameSize int) (Frame, int, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(b) < HeaderSize {
		return Frame{}, 0, io.ErrUnexpectedEOF
	}

	t := Type(b[0])
	flags := Flags(b[1])
	keyLen := int(binary.BigEndian.Uint16(b[2:4]))
	valueLen := uint64(binary.BigEndian.Uint32(b[4:8]))

	if valueLen > uint64(maxFrameSize) {
		return Frame{}, 0, protocolErrorf("%s frame of %d bytes exceeds maximum frame size of %d bytes", t, uint64(keyLen)+valueLen, maxFrameSize)
	}
	if err := validateHeader(t, flags, keyLen, int(valueLen), maxFrameSize); err != nil {
		return Frame{}, 0, err
	}

	n := HeaderSize + keyLen + int(valueLen)
	if len(b) < n {
		return Frame{}, 0, io.ErrUnexpectedEOF
	}

	f := Frame{Type: t, Flags: flags}
	if keyLen > 0 {
		f.Key = append([]byte(nil), b[HeaderSize:HeaderSize+keyLen]...)
	}
	if valueLen > 0 {
		f.Value = append([]byte(nil), b[HeaderSize+keyLen:n]...)
	}
	return f, n, nil
}
