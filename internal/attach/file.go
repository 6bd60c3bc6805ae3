// ABOUTME: Attached files awaiting extraction and the ordered set that holds them
// ABOUTME: ExtractedContent nil means not extracted; only extracted files reach a start payload

package attach

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-council/internal/wire"
)

// Status labels shown next to a file.
const (
	StatusProcessed    = "Processed"
	StatusProcessing   = "Processing"
	StatusNotProcessed = "Not Processed"
)

// DefaultMaxBytes bounds a single attachment.
const DefaultMaxBytes = 10 << 20

var (
	// ErrFileNotFound is returned for an id not in the set.
	ErrFileNotFound = errors.New("attachment not found")
	// ErrTooLarge is returned by Add for files over the size limit.
	ErrTooLarge = errors.New("attachment too large")
	// ErrEmptyFile is returned by Add for zero-length content.
	ErrEmptyFile = errors.New("attachment is empty")
)

// File is one attachment.
type File struct {
	ID        string
	Name      string
	Size      int64
	MediaType string
	Content   []byte
	// ExtractedContent is nil until extraction succeeds.
	ExtractedContent *string
	Extracting       bool
}

// Status returns the display status of f.
func (f File) Status() string {
	switch {
	case f.Extracting:
		return StatusProcessing
	case f.ExtractedContent != nil:
		return StatusProcessed
	default:
		return StatusNotProcessed
	}
}

// clone copies f so callers cannot reach into the set.
func (f File) clone() File {
	out := f
	out.Content = slices.Clone(f.Content)
	if f.ExtractedContent != nil {
		s := *f.ExtractedContent
		out.ExtractedContent = &s
	}
	return out
}

// Set is an ordered collection of attachments, safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	files    []*File
	maxBytes int64
}

// NewSet creates an empty set. A non-positive maxBytes selects DefaultMaxBytes.
func NewSet(maxBytes int64) *Set {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Set{maxBytes: maxBytes}
}

// Add appends a file and returns a copy of it. An empty mediaType is
// derived from the file extension, then from the content.
func (s *Set) Add(name, mediaType string, content []byte) (File, error) {
	if len(content) == 0 {
		return File{}, fmt.Errorf("%w: %s", ErrEmptyFile, name)
	}
	if int64(len(content)) > s.maxBytes {
		return File{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, name, len(content), s.maxBytes)
	}
	if mediaType == "" {
		mediaType = detectMediaType(name, content)
	}

	f := &File{
		ID:        uuid.New().String(),
		Name:      filepath.Base(name),
		Size:      int64(len(content)),
		MediaType: mediaType,
		Content:   slices.Clone(content),
	}

	s.mu.Lock()
	s.files = append(s.files, f)
	s.mu.Unlock()
	return f.clone(), nil
}

// Remove drops the file with id. It reports whether a file was removed.
func (s *Set) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return false
	}
	s.files = slices.Delete(s.files, idx, idx+1)
	return true
}

// Get returns a copy of the file with id.
func (s *Set) Get(id string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return s.files[idx].clone(), nil
}

// Files returns copies of every file in insertion order.
func (s *Set) Files() []File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]File, len(s.files))
	for i, f := range s.files {
		out[i] = f.clone()
	}
	return out
}

// Len returns the number of files.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Clear removes every file.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = nil
}

// beginExtraction marks id as extracting. It reports false when the file is
// gone or already extracting.
func (s *Set) beginExtraction(id string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 || s.files[idx].Extracting {
		return File{}, false
	}
	s.files[idx].Extracting = true
	return s.files[idx].clone(), true
}

// finishExtraction clears the extracting flag and records content when
// non-nil. A file removed meanwhile is left alone.
func (s *Set) finishExtraction(id string, content *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return
	}
	s.files[idx].Extracting = false
	if content != nil {
		s.files[idx].ExtractedContent = content
	}
}

func (s *Set) index(id string) int {
	return slices.IndexFunc(s.files, func(f *File) bool { return f.ID == id })
}

// StartEntries converts files with extracted content into start payload
// entries. Files without extracted content are skipped.
func StartEntries(files []File) []wire.FileAttachment {
	var out []wire.FileAttachment
	for _, f := range files {
		if f.ExtractedContent == nil {
			continue
		}
		out = append(out, wire.FileAttachment{
			Filename: f.Name,
			Content:  *f.ExtractedContent,
			FileType: f.MediaType,
		})
	}
	return out
}

func detectMediaType(name string, content []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(content)
}
