// Package wire serializes frames for transmission.
//
// A message is a fixed 36-byte big-endian header followed by the payload:
//
//	magic    [4]byte "CNDT"
//	version  uint8
//	codec    uint8
//	reserved uint16
//	width    uint32
//	height   uint32
//	seq      uint64
//	time     int64   capture time, Unix nanoseconds
//	length   uint32  payload length
//
// Stream transports additionally prefix every message with its uint32 length
// (see WriteMessage and ReadMessage).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"conduit/video"
)

const (
	Version    = 1
	HeaderSize = 36

	// MaxMessageSize bounds a single message on stream transports.
	MaxMessageSize = 64 << 20

	DefaultQuality = 85
)

var magic = [4]byte{'C', 'N', 'D', 'T'}

var (
	ErrBadMagic   = errors.New("wire: bad magic")
	ErrBadVersion = errors.New("wire: unsupported version")
	ErrTruncated  = errors.New("wire: truncated message")
	ErrTooLarge   = errors.New("wire: message too large")
)

// Codec identifies the payload encoding.
type Codec uint8

const (
	Raw  Codec = 1
	JPEG Codec = 2
)

func (c Codec) String() string {
	switch c {
	case Raw:
		return "raw"
	case JPEG:
		return "jpeg"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ContentType returns the MIME type of the payload.
func (c Codec) ContentType() string {
	if c == JPEG {
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// ParseCodec maps a configuration string to a Codec. The empty string
// selects JPEG.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "jpeg", "jpg":
		return JPEG, nil
	case "raw":
		return Raw, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", s)
	}
}

// Header is the metadata sent with every frame.
type Header struct {
	Codec  Codec
	Width  int
	Height int
	Seq    uint64
	Time   time.Time
}

// Message is one serialized frame.
type Message struct {
	Header
	Payload []byte
}

// Encoder turns frames into messages.
type Encoder struct {
	Codec Codec
	// Quality is the JPEG quality, 1-100. Zero selects DefaultQuality.
	Quality int
}

// Encode serializes f. Raw payloads share the frame's pixel buffer.
func (e Encoder) Encode(f *video.Frame) (*Message, error) {
	m := &Message{Header: Header{
		Codec:  e.Codec,
		Width:  f.Width,
		Height: f.Height,
		Seq:    f.Seq,
		Time:   f.Time,
	}}
	switch e.Codec {
	case Raw:
		m.Payload = f.Pix
	case JPEG:
		q := e.Quality
		if q == 0 {
			q = DefaultQuality
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
		m.Payload = buf.Bytes()
	default:
		return nil, fmt.Errorf("wire: cannot encode %v", e.Codec)
	}
	return m, nil
}

// MarshalBinary returns the header followed by the payload.
func (m *Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize+len(m.Payload))
	copy(b[0:4], magic[:])
	b[4] = Version
	b[5] = byte(m.Codec)
	binary.BigEndian.PutUint32(b[8:12], uint32(m.Width))
	binary.BigEndian.PutUint32(b[12:16], uint32(m.Height))
	binary.BigEndian.PutUint64(b[16:24], m.Seq)
	binary.BigEndian.PutUint64(b[24:32], uint64(m.Time.UnixNano()))
	binary.BigEndian.PutUint32(b[32:36], uint32(len(m.Payload)))
	copy(b[HeaderSize:], m.Payload)
	return b, nil
}

// Unmarshal parses a message produced by MarshalBinary. The payload aliases b.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrTruncated
	}
	if !bytes.Equal(b[0:4], magic[:]) {
		return nil, ErrBadMagic
	}
	if b[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, b[4])
	}
	n := binary.BigEndian.Uint32(b[32:36])
	if int(n) != len(b)-HeaderSize {
		return nil, ErrTruncated
	}
	return &Message{
		Header: Header{
			Codec:  Codec(b[5]),
			Width:  int(binary.BigEndian.Uint32(b[8:12])),
			Height: int(binary.BigEndian.Uint32(b[12:16])),
			Seq:    binary.BigEndian.Uint64(b[16:24]),
			Time:   time.Unix(0, int64(binary.BigEndian.Uint64(b[24:32]))),
		},
		Payload: b[HeaderSize:],
	}, nil
}

// Frame decodes the payload back into a frame.
func (m *Message) Frame() (*video.Frame, error) {
	var f *video.Frame
	switch m.Codec {
	case Raw:
		if len(m.Payload) != m.Width*m.Height*video.Channels {
			return nil, ErrTruncated
		}
		f = &video.Frame{
			Pix:    append([]byte(nil), m.Payload...),
			Width:  m.Width,
			Height: m.Height,
		}
	case JPEG:
		img, err := jpeg.Decode(bytes.NewReader(m.Payload))
		if err != nil {
			return nil, fmt.Errorf("jpeg decode: %w", err)
		}
		rgba := image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		f = video.FrameFromRGBA(rgba)
	default:
		return nil, fmt.Errorf("wire: cannot decode %v", m.Codec)
	}
	f.Seq = m.Seq
	f.Time = m.Time
	return f, nil
}

// WriteMessage writes b prefixed with its length.
func WriteMessage(w io.Writer, b []byte) error {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadMessage reads one length-prefixed message.
func ReadMessage(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > MaxMessageSize {
		return nil, ErrTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
