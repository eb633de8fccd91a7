package storage

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const maxEventLine = 10 << 20

// FileRecorder keeps one JSON object per line in an append-only file.
type FileRecorder struct {
	path string

	mu  sync.Mutex
	out *os.File
	enc *json.Encoder
}

func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating interaction log dir")
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening interaction log")
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	return &FileRecorder{path: path, out: out, enc: enc}, nil
}

func (r *FileRecorder) AppendInteraction(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		return errors.New("interaction log closed")
	}
	// Encode writes the whole line in one call, so readers never see half an event.
	if err := r.enc.Encode(event); err != nil {
		return errors.Wrap(err, "appending interaction")
	}
	return nil
}

// LoadInteractions reads the log from the start. Lines that fail to decode
// are skipped.
func (r *FileRecorder) LoadInteractions() ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening interaction log")
	}
	defer f.Close()
	return decodeEvents(f)
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		return nil
	}
	err := r.out.Close()
	r.out = nil
	return err
}

func decodeEvents(src io.Reader) ([]Event, error) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventLine)

	var events []Event
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, errors.Wrap(err, "reading interaction log")
	}
	return events, nil
}
