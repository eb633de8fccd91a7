package llm

import "io"

// SliceStream replays a fixed list of fragments, optionally failing with err
// once they are exhausted. Non-streaming providers use it to present a
// complete answer as a single fragment.
type SliceStream struct {
	fragments []string
	err       error
	pos       int
	closed    bool
}

func NewSliceStream(fragments ...string) *SliceStream {
	return &SliceStream{fragments: fragments}
}

// NewFailingStream yields fragments and then returns err instead of io.EOF.
func NewFailingStream(err error, fragments ...string) *SliceStream {
	return &SliceStream{fragments: fragments, err: err}
}

func (s *SliceStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *SliceStream) Closed() bool { return s.closed }
