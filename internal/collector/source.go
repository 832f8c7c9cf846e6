package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// LineSource yields the most recent lines of the firewall log.
type LineSource interface {
	// Lines returns up to n recent lines, oldest first. A missing log is not
	// an error: it yields no lines.
	Lines(ctx context.Context, n int) ([]string, error)
	Close() error
}

const tailChunk = 64 * 1024

// TailSource re-reads the last lines of a file on every call. Rotation is
// handled by reopening the path each time.
type TailSource struct {
	path string

	mu      sync.Mutex
	missing bool
}

// NewTailSource creates a source over path.
func NewTailSource(path string) *TailSource {
	return &TailSource{path: path}
}

// Lines reads the last n lines of the file.
func (s *TailSource) Lines(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.setMissing(true)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()
	s.setMissing(false)

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}

	data, err := readTail(ctx, f, info.Size(), n)
	if err != nil {
		return nil, err
	}
	return splitLines(data, n), nil
}

func (s *TailSource) setMissing(missing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if missing && !s.missing {
		log.Warn().Str("file", s.path).Msg("Firewall log not found, waiting for it to appear")
	}
	if !missing && s.missing {
		log.Info().Str("file", s.path).Msg("Firewall log is readable again")
	}
	s.missing = missing
}

// Close is a no-op: every call opens its own handle.
func (s *TailSource) Close() error {
	return nil
}

// readTail reads backwards from size in chunks until it holds more than n
// newlines or reaches the start of the file.
func readTail(ctx context.Context, r io.ReaderAt, size int64, n int) ([]byte, error) {
	var buf []byte
	offset := size
	for offset > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := int64(tailChunk)
		if chunk > offset {
			chunk = offset
		}
		offset -= chunk

		part := make([]byte, chunk)
		if _, err := r.ReadAt(part, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}
		buf = append(part, buf...)

		if bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}
	return buf, nil
}

// splitLines returns the last n non-empty lines of data with invalid UTF-8
// replaced.
func splitLines(data []byte, n int) []string {
	raw := strings.Split(string(data), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l == "" {
			continue
		}
		lines = append(lines, strings.ToValidUTF8(l, "�"))
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
