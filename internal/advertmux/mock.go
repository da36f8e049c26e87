package advertmux

import (
	"bytes"
	"errors"
	"sync"
)

// errSourceClosed is returned by TestableSource reads after Close.
var errSourceClosed = errors.New("testable source closed")

// TestableSource implements Source with controllable input for tests. Reads
// return buffered text and, when BlockReads is set, wait for more text or Close
// instead of reporting end of input.
type TestableSource struct {
	mu sync.Mutex

	buf        bytes.Buffer
	cond       *sync.Cond
	BlockReads bool
	ReadError  error
	CloseError error
	Closed     bool
}

// NewTestableSource returns a source pre-loaded with text.
func NewTestableSource(text string, block bool) *TestableSource {
	s := &TestableSource{BlockReads: block}
	s.buf.WriteString(text)
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AddLines appends newline terminated lines and wakes a blocked reader.
func (s *TestableSource) AddLines(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lines {
		s.buf.WriteString(l)
		s.buf.WriteByte('\n')
	}
	s.cond.Broadcast()
}

func (s *TestableSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.BlockReads && !s.Closed && s.buf.Len() == 0 && s.ReadError == nil {
		s.cond.Wait()
	}
	if s.Closed {
		return 0, errSourceClosed
	}
	if s.ReadError != nil {
		err := s.ReadError
		s.ReadError = nil
		return 0, err
	}
	return s.buf.Read(p)
}

func (s *TestableSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	s.cond.Broadcast()
	return s.CloseError
}
