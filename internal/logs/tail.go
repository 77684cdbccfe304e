package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	maxLineBytes = 1024 * 1024
	pollInterval = 250 * time.Millisecond
)

// Tailer reads a growing text file line by line.
type Tailer struct {
	path   string
	offset int64
	poll   time.Duration
}

// NewTailer returns a tailer positioned at the start of path.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path, poll: pollInterval}
}

// Path returns the tailed file.
func (t *Tailer) Path() string { return t.path }

// Offset is the byte position after the last line returned.
func (t *Tailer) Offset() int64 { return t.offset }

// Last returns up to n trailing complete lines and moves the offset to the
// end of the file. A missing file yields no lines.
func (t *Tailer) Last(n int) ([]string, error) {
	file, err := t.open()
	if err != nil || file == nil {
		return nil, err
	}
	defer file.Close()

	if n <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("seek %s: %w", t.path, err)
		}
		t.offset = end
		return nil, nil
	}

	ring := make([]string, n)
	count := 0
	next := 0
	consumed, err := scanLines(file, func(line string) {
		ring[next] = line
		next = (next + 1) % n
		count++
	})
	if err != nil {
		return nil, err
	}
	t.offset = consumed

	if count > n {
		count = n
	}
	lines := make([]string, count)
	start := (next - count + n) % n
	for i := range lines {
		lines[i] = ring[(start+i)%n]
	}
	return lines, nil
}

// Next returns complete lines appended since the last call. When none are
// available it polls until wait elapses or ctx ends; wait <= 0 returns
// immediately.
func (t *Tailer) Next(ctx context.Context, wait time.Duration) ([]string, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		lines, err := t.readForward()
		if err != nil || len(lines) > 0 {
			return lines, err
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tailer) readForward() ([]string, error) {
	file, err := t.open()
	if err != nil || file == nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", t.path, err)
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if _, err := file.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", t.path, err)
	}

	var lines []string
	consumed, err := scanLines(file, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		return nil, err
	}
	t.offset += consumed
	return lines, nil
}

func (t *Tailer) open() (*os.File, error) {
	file, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.offset = 0
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", t.path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat %s: %w", t.path, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("log path %q is a directory", t.path)
	}
	return file, nil
}

// scanLines calls fn for each newline-terminated line and returns the bytes
// consumed. A trailing partial line is left for the next read.
func scanLines(r io.Reader, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := reader.ReadSlice('\n')
		if err == nil {
			consumed += int64(len(line))
			fn(trimEOL(line))
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			long, err := readLongLine(reader, line)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return consumed, nil
				}
				return consumed, err
			}
			consumed += int64(len(long))
			fn(trimEOL(long))
			continue
		}
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		return consumed, fmt.Errorf("read log: %w", err)
	}
}

func readLongLine(reader *bufio.Reader, prefix []byte) ([]byte, error) {
	buf := append([]byte(nil), prefix...)
	for {
		chunk, err := reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, fmt.Errorf("read log: line exceeds %d bytes", maxLineBytes)
		}
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

func trimEOL(line []byte) string {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n])
}
