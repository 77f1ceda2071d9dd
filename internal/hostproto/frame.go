package hostproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxFrame matches the 1 MiB message cap browsers apply to native
// messaging hosts.
const DefaultMaxFrame = 1 << 20

var ErrFrameTooLarge = errors.New("hostproto: frame too large")

// Framing selects how message bodies are delimited on the pipe.
type Framing string

const (
	// FramingLines writes one JSON document per line.
	FramingLines Framing = "lines"
	// FramingNative prefixes each body with a 4-byte length in host byte order.
	FramingNative Framing = "native"
)

func ParseFraming(raw string) (Framing, error) {
	switch f := Framing(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FramingLines, nil
	case FramingLines, FramingNative:
		return f, nil
	default:
		return "", fmt.Errorf("unknown framing %q", raw)
	}
}

// Codec reads and writes framed message bodies.
type Codec interface {
	WriteFrame(w io.Writer, body []byte) error
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

func NewCodec(framing Framing, maxFrame int) (Codec, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	switch framing {
	case FramingLines, "":
		return lineCodec{maxFrame: maxFrame}, nil
	case FramingNative:
		return nativeCodec{maxFrame: maxFrame}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", framing)
	}
}

type nativeCodec struct {
	maxFrame int
}

func (c nativeCodec) WriteFrame(w io.Writer, body []byte) error {
	if len(body) > c.maxFrame {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.NativeEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func (c nativeCodec) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.NativeEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > c.maxFrame {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

type lineCodec struct {
	maxFrame int
}

func (c lineCodec) WriteFrame(w io.Writer, body []byte) error {
	if len(body) > c.maxFrame {
		return ErrFrameTooLarge
	}
	if bytes.IndexByte(body, '\n') >= 0 {
		return fmt.Errorf("%w: body contains newline", ErrInvalidMessage)
	}
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, body...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

func (c lineCodec) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > c.maxFrame+1 {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			return bytes.TrimSpace(line), nil
		default:
			return nil, fmt.Errorf("read line: %w", err)
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			// blank keep-alive line
			line = line[:0]
			continue
		}
		return trimmed, nil
	}
}

// WriteCommand encodes and frames cmd.
func WriteCommand(c Codec, w io.Writer, cmd Command) error {
	body, err := Encode(cmd)
	if err != nil {
		return err
	}
	return c.WriteFrame(w, body)
}

// ReadInbound reads and decodes the next host message.
func ReadInbound(c Codec, r *bufio.Reader) (Inbound, error) {
	body, err := c.ReadFrame(r)
	if err != nil {
		return Inbound{}, err
	}
	return Decode(body)
}
