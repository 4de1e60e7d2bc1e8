package uds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// InitialBufSize is the read buffer allocated per connection.
	InitialBufSize = 1024 * 1024
	// DefaultMaxLineSize bounds a single message line. It sits well above
	// the daemon's own 16 MiB input limit, so a full batch always fits.
	DefaultMaxLineSize = 64 * 1024 * 1024
)

var (
	ErrBusStopped     = errors.New("event bus stopped")
	ErrAlreadyStarted = errors.New("event bus already started")
	ErrClientClosed   = errors.New("client closed")
	ErrLineTooLong    = errors.New("message line exceeds limit")
)

// ReadLine returns the next line from r without its terminator. A final
// line without a newline is returned before io.EOF. A line longer than limit
// is consumed up to its newline and reported as ErrLineTooLong, leaving r
// positioned at the next line.
func ReadLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	size := 0
	for {
		chunk, err := r.ReadSlice('\n')
		size += len(chunk)
		if size <= limit+1 {
			line = append(line, chunk...)
		} else {
			line = nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || size == 0) {
			return nil, err
		}
		break
	}
	if size > limit+1 || (size == limit+1 && line[len(line)-1] != '\n') {
		return nil, ErrLineTooLong
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// EncodeLine marshals v as a single NDJSON line: compact JSON with a
// trailing newline and no newline anywhere else.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if bytes.ContainsAny(data, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return nil, fmt.Errorf("compact message: %w", err)
		}
		data = buf.Bytes()
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one line into a generic JSON value. Numbers are kept
// as json.Number so large sequence numbers survive intact. Trailing data
// after the first value is an error.
func DecodeLine(line []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
