package jsonrpc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Framing selects how messages are delimited on the byte stream.
type Framing string

const (
	// FramingHeader prefixes each message with Content-Length headers.
	FramingHeader Framing = "header"
	// FramingLine terminates each message with a newline.
	FramingLine Framing = "line"
)

// DefaultMaxFrameBytes bounds a single inbound message.
const DefaultMaxFrameBytes = 64 << 20

// ParseFraming maps a configuration value onto a Framing.
func ParseFraming(value string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(value))) {
	case FramingHeader, "":
		return FramingHeader, nil
	case FramingLine:
		return FramingLine, nil
	default:
		return "", fmt.Errorf("unsupported framing %q", value)
	}
}

// FrameReader yields one complete message body per call. It returns io.EOF
// only on a clean end of stream between frames.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FrameWriter writes one complete message per call. Callers serialize access.
type FrameWriter interface {
	WriteFrame(body []byte) error
}

// NewFrameReader returns a reader for the framing. maxBytes <= 0 uses
// DefaultMaxFrameBytes.
func NewFrameReader(framing Framing, r io.Reader, maxBytes int) FrameReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	br := bufio.NewReaderSize(r, 64<<10)
	if framing == FramingLine {
		return &lineReader{r: br, max: maxBytes}
	}
	return &headerReader{r: br, max: maxBytes}
}

// NewFrameWriter returns a writer for the framing.
func NewFrameWriter(framing Framing, w io.Writer) FrameWriter {
	if framing == FramingLine {
		return &lineWriter{w: w}
	}
	return &headerWriter{w: w}
}

type headerReader struct {
	r   *bufio.Reader
	max int
}

func (h *headerReader) ReadFrame() ([]byte, error) {
	length := -1
	first := true
	for {
		line, err := h.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && first && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", unexpectedEOF(err))
		}
		first = false
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, malformed("header line %q has no colon", line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, malformed("invalid Content-Length %q", strings.TrimSpace(value))
		}
		length = n
	}
	if length < 0 {
		return nil, malformed("missing Content-Length header")
	}
	if length > h.max {
		return nil, malformed("frame of %d bytes exceeds limit of %d", length, h.max)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(h.r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", unexpectedEOF(err))
	}
	return body, nil
}

type headerWriter struct {
	w io.Writer
}

func (h *headerWriter) WriteFrame(body []byte) error {
	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(body)
	_, err := h.w.Write(buf.Bytes())
	return err
}

type lineReader struct {
	r   *bufio.Reader
	max int
}

func (l *lineReader) ReadFrame() ([]byte, error) {
	for {
		var line []byte
		for {
			chunk, err := l.r.ReadSlice('\n')
			if len(line)+len(chunk) > l.max+2 {
				return nil, malformed("line exceeds limit of %d bytes", l.max)
			}
			line = append(line, chunk...)
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) {
				if len(bytes.TrimSpace(line)) == 0 {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("read line: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read line: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return trimmed, nil
		}
	}
}

type lineWriter struct {
	w io.Writer
}

func (l *lineWriter) WriteFrame(body []byte) error {
	if bytes.IndexByte(body, '\n') >= 0 {
		return fmt.Errorf("line framing: message contains a newline")
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, body...)
	frame = append(frame, '\n')
	_, err := l.w.Write(frame)
	return err
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
