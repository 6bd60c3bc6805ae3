// ABOUTME: Tests for attachment sets, the HTTP extractor and the extraction pipeline
// ABOUTME: Includes the failed-extraction case that must leave a file Not Processed

package attach

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/wire"
)

type funcExtractor func(ctx context.Context, name, mediaType string, content []byte) (string, error)

func (f funcExtractor) Extract(ctx context.Context, name, mediaType string, content []byte) (string, error) {
	return f(ctx, name, mediaType, content)
}

func TestSet_AddRemoveGet(t *testing.T) {
	set := NewSet(0)

	a, err := set.Add("notes/a.txt", "", []byte("alpha"))
	require.NoError(t, err)
	b, err := set.Add("b.md", "text/markdown", []byte("# beta"))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "a.txt", a.Name)
	assert.Equal(t, int64(5), a.Size)
	assert.Contains(t, a.MediaType, "text/plain")
	assert.Equal(t, StatusNotProcessed, a.Status())

	files := set.Files()
	require.Len(t, files, 2)
	assert.Equal(t, a.ID, files[0].ID)
	assert.Equal(t, b.ID, files[1].ID)

	assert.True(t, set.Remove(a.ID))
	assert.False(t, set.Remove(a.ID))
	_, err = set.Get(a.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, 1, set.Len())
}

func TestSet_AddLimits(t *testing.T) {
	set := NewSet(4)

	_, err := set.Add("big.txt", "", []byte("12345"))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = set.Add("empty.txt", "", nil)
	assert.ErrorIs(t, err, ErrEmptyFile)

	assert.Equal(t, 0, set.Len())
}

func TestSet_FilesAreCopies(t *testing.T) {
	set := NewSet(0)
	f, err := set.Add("a.txt", "", []byte("alpha"))
	require.NoError(t, err)

	files := set.Files()
	files[0].Content[0] = 'X'
	files[0].Name = "changed"

	got, err := set.Get(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got.Content))
	assert.Equal(t, "a.txt", got.Name)
}

func TestFileStatus(t *testing.T) {
	text := "hello"
	assert.Equal(t, StatusNotProcessed, File{}.Status())
	assert.Equal(t, StatusProcessing, File{Extracting: true}.Status())
	assert.Equal(t, StatusProcessed, File{ExtractedContent: &text}.Status())
	empty := ""
	assert.Equal(t, StatusProcessed, File{ExtractedContent: &empty}.Status(), "empty text is still extracted")
}

func TestStartEntries_OnlyExtracted(t *testing.T) {
	text := "alpha text"
	files := []File{
		{Name: "a.pdf", MediaType: "application/pdf", ExtractedContent: &text},
		{Name: "b.pdf", MediaType: "application/pdf"},
	}

	assert.Equal(t, []wire.FileAttachment{{Filename: "a.pdf", Content: "alpha text", FileType: "application/pdf"}}, StartEntries(files))
	assert.Nil(t, StartEntries(files[1:]))
}

func TestPipeline_FailedExtraction(t *testing.T) {
	set := NewSet(0)
	good, err := set.Add("good.txt", "", []byte("good"))
	require.NoError(t, err)
	bad, err := set.Add("bad.txt", "", []byte("bad"))
	require.NoError(t, err)

	boom := errors.New("extractor unavailable")
	p := NewPipeline(funcExtractor(func(_ context.Context, name, _ string, content []byte) (string, error) {
		if name == "bad.txt" {
			return "", boom
		}
		return "extracted " + string(content), nil
	}), 2, nil)

	err = p.Extract(t.Context(), set)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var extractionErr *ExtractionError
	require.True(t, errors.As(err, &extractionErr))
	assert.Equal(t, bad.ID, extractionErr.FileID)

	failed, err := set.Get(bad.ID)
	require.NoError(t, err)
	assert.False(t, failed.Extracting)
	assert.Nil(t, failed.ExtractedContent)
	assert.Equal(t, "Not Processed", failed.Status())

	ok, err := set.Get(good.ID)
	require.NoError(t, err)
	require.NotNil(t, ok.ExtractedContent)
	assert.Equal(t, "extracted good", *ok.ExtractedContent)
	assert.Equal(t, StatusProcessed, ok.Status())

	entries := StartEntries(set.Files())
	require.Len(t, entries, 1)
	assert.Equal(t, "good.txt", entries[0].Filename)
}

func TestPipeline_ProcessingWhileInFlight(t *testing.T) {
	set := NewSet(0)
	f, err := set.Add("slow.txt", "", []byte("slow"))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	p := NewPipeline(funcExtractor(func(context.Context, string, string, []byte) (string, error) {
		close(entered)
		<-release
		return "done", nil
	}), 1, nil)

	done := make(chan error, 1)
	go func() { done <- p.Extract(context.Background(), set, f.ID) }()

	<-entered
	inFlight, err := set.Get(f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, inFlight.Status())

	// A second request for the same file is skipped rather than duplicated.
	require.NoError(t, p.Extract(t.Context(), set, f.ID))

	close(release)
	require.NoError(t, <-done)

	final, err := set.Get(f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, final.Status())
}

func TestPipeline_BoundedConcurrency(t *testing.T) {
	set := NewSet(0)
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt", "f.txt"} {
		_, err := set.Add(name, "", []byte(name))
		require.NoError(t, err)
	}

	var current, peak atomic.Int32
	p := NewPipeline(funcExtractor(func(context.Context, string, string, []byte) (string, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return "x", nil
	}), 2, nil)

	require.NoError(t, p.Extract(t.Context(), set))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, f := range set.Files() {
		assert.Equal(t, StatusProcessed, f.Status())
	}
}

func TestPipeline_CancelledExtraction(t *testing.T) {
	set := NewSet(0)
	first, err := set.Add("first.txt", "", []byte("one"))
	require.NoError(t, err)
	second, err := set.Add("second.txt", "", []byte("two"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	entered := make(chan struct{})
	var calls atomic.Int32
	p := NewPipeline(funcExtractor(func(ctx context.Context, _, _ string, _ []byte) (string, error) {
		calls.Add(1)
		close(entered)
		<-ctx.Done()
		return "", ctx.Err()
	}), 1, nil)

	done := make(chan error, 1)
	go func() { done <- p.Extract(ctx, set) }()
	<-entered
	cancel()

	var got error
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Extract did not return after cancellation")
	}

	require.Error(t, got)
	assert.ErrorIs(t, got, context.Canceled)
	var extractionErr *ExtractionError
	require.True(t, errors.As(got, &extractionErr))
	assert.Equal(t, first.ID, extractionErr.FileID)
	assert.Equal(t, int32(1), calls.Load())

	for _, id := range []string{first.ID, second.ID} {
		f, err := set.Get(id)
		require.NoError(t, err)
		assert.False(t, f.Extracting)
		assert.Nil(t, f.ExtractedContent)
	}
}

func TestPipeline_UnknownID(t *testing.T) {
	p := NewPipeline(funcExtractor(func(context.Context, string, string, []byte) (string, error) {
		return "", nil
	}), 1, nil)

	err := p.Extract(t.Context(), NewSet(0), "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestHTTPExtractor(t *testing.T) {
	var mu sync.Mutex
	var gotAuth, gotName, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files/extract", r.URL.Path)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)

		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotName = header.Filename
		gotBody = string(data)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ExtractResponse{Filename: header.Filename, Content: "TEXT:" + string(data), FileType: "text/plain"})
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL+"/", auth.StaticToken("tok"), nil)
	text, err := e.Extract(t.Context(), "report.txt", "text/plain", []byte("quarterly"))

	require.NoError(t, err)
	assert.Equal(t, "TEXT:quarterly", text)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "report.txt", gotName)
	assert.Equal(t, "quarterly", gotBody)
}

func TestHTTPExtractor_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported format", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPExtractor(srv.URL, nil, nil).Extract(t.Context(), "x.bin", "", []byte{1, 2})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "unsupported format")
}
