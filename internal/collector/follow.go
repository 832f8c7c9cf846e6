package collector

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"
)

// FollowSource keeps the log open and buffers appended lines between calls.
// The buffer holds at most limit lines; older ones are dropped.
type FollowSource struct {
	path  string
	limit int
	tail  *tail.Tail

	mu     sync.Mutex
	buf    []string
	done   chan struct{}
	closed bool
}

// NewFollowSource starts following path from its current end.
func NewFollowSource(path string, limit int) (*FollowSource, error) {
	if limit <= 0 {
		limit = 1000
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to follow %s: %w", path, err)
	}

	s := &FollowSource{
		path:  path,
		limit: limit,
		tail:  t,
		done:  make(chan struct{}),
	}
	go s.run()

	log.Info().Str("file", path).Msg("Started following firewall log")
	return s, nil
}

func (s *FollowSource) run() {
	defer close(s.done)
	for line := range s.tail.Lines {
		if line.Err != nil {
			log.Warn().Err(line.Err).Str("file", s.path).Msg("Error reading line")
			continue
		}
		if line.Text == "" {
			continue
		}
		s.push(strings.ToValidUTF8(line.Text, "�"))
	}
}

func (s *FollowSource) push(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, line)
	if over := len(s.buf) - s.limit; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
}

// Lines returns and clears the buffered lines, keeping the newest n.
func (s *FollowSource) Lines(ctx context.Context, n int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.buf
	s.buf = nil
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Close stops following the file.
func (s *FollowSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.tail.Stop()
	s.tail.Cleanup()
	<-s.done
	return err
}
