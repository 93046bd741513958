package upstream

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/frames"
)

const readChunkSize = 32 * 1024

// Stream yields decoded events from one upstream response. Not safe for
// concurrent use, except Close.
type Stream struct {
	body    io.ReadCloser
	dec     *frames.Decoder
	pending []frames.Event
	buf     []byte
	done    bool

	closeOnce sync.Once
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{
		body: body,
		dec:  frames.NewDecoder(),
		buf:  make([]byte, readChunkSize),
	}
}

// Next returns the next event, io.EOF at the end of the response, or the
// read error. Canceling the request context makes the pending read fail.
func (s *Stream) Next() (frames.Event, error) {
	for len(s.pending) == 0 {
		if s.done {
			return frames.Event{}, io.EOF
		}
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.dec.Feed(s.buf[:n])...)
		}
		if err != nil {
			s.done = true
			if left := s.dec.Flush(); left > 0 {
				log.Warn().Int("bytes", left).Msg("upstream: stream ended inside a frame")
			}
			if !errors.Is(err, io.EOF) {
				_ = s.Close()
				return frames.Event{}, &Error{Kind: KindServerTransient, Err: err}
			}
			_ = s.Close()
		}
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

// Close releases the response body.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
