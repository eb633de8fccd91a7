// Package upload stores files sent by clients and extracts a text rendition
// that can be forwarded to the model for analysis.
package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

var (
	ErrTooLarge    = errors.New("upload exceeds size limit")
	ErrInvalidName = errors.New("invalid file name")
)

// FileInfo describes a stored upload.
type FileInfo struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Type     string `json:"type"`
}

type Store struct {
	dir      string
	maxBytes int64
	now      func() time.Time
	log      *zap.Logger
}

func New(dir string, maxBytes int64, logger *zap.Logger) *Store {
	return &Store{dir: dir, maxBytes: maxBytes, now: time.Now, log: logger}
}

func (s *Store) Dir() string     { return s.dir }
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save writes the contents of r under a unique name derived from name and
// returns its description. Directory components of name are discarded.
func (s *Store) Save(name string, r io.Reader) (FileInfo, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if base == "/" || base == "." || base == "" {
		return FileInfo{}, ErrInvalidName
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return FileInfo{}, errors.Wrap(err, "reading upload")
	}
	if int64(len(data)) > s.maxBytes {
		return FileInfo{}, ErrTooLarge
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return FileInfo{}, errors.Wrap(err, "creating upload dir")
	}
	path, err := s.create(base, data)
	if err != nil {
		return FileInfo{}, err
	}

	typ := detectType(base, data)
	info := FileInfo{
		Filename: base,
		Path:     path,
		Content:  describe(base, typ, data),
		Type:     typ,
	}
	s.log.Info("file uploaded", zap.String("file", base), zap.String("type", typ), zap.Int("bytes", len(data)))
	return info, nil
}

func (s *Store) create(base string, data []byte) (string, error) {
	stamp := s.now().UnixMilli()
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("%d_%s", stamp, base)
		if i > 0 {
			name = fmt.Sprintf("%d_%d_%s", stamp, i, base)
		}
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", errors.Wrap(err, "creating upload file")
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", errors.Wrap(err, "writing upload file")
		}
		if err := f.Close(); err != nil {
			return "", errors.Wrap(err, "closing upload file")
		}
		return path, nil
	}
	return "", errors.Errorf("no free name for %s", base)
}

func detectType(name string, data []byte) string {
	typ := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if typ == "" {
		typ = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(typ); err == nil {
		return mt
	}
	return typ
}

func describe(name, typ string, data []byte) string {
	switch {
	case strings.HasPrefix(typ, "image/"):
		return fmt.Sprintf("[Image file: %s]", name)
	case isText(typ, data):
		return decodeText(data)
	default:
		return fmt.Sprintf("[Binary file: %s]", name)
	}
}

func isText(typ string, data []byte) bool {
	if strings.HasPrefix(typ, "text/") {
		return true
	}
	switch typ {
	case "application/json", "application/xml", "application/javascript",
		"application/x-yaml", "application/yaml", "application/toml", "application/x-sh":
		return true
	case "application/octet-stream":
		// unknown extension: accept anything without NUL bytes
		return len(data) > 0 && !bytes.ContainsRune(data, 0)
	}
	return false
}

// decodeText returns data as UTF-8, treating invalid input as Windows-1252.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(out)
}
