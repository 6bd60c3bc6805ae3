// ABOUTME: Text extraction for attachments: the HTTP extractor client and the bounded concurrent pipeline
// ABOUTME: Each file's Extracting flag is set before its request and cleared exactly once afterwards

package attach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-council/internal/auth"
)

// DefaultConcurrency bounds simultaneous extraction requests.
const DefaultConcurrency = 4

const maxExtractResponse = 16 << 20

// Extractor turns a file's raw bytes into text.
type Extractor interface {
	Extract(ctx context.Context, name, mediaType string, content []byte) (string, error)
}

// ExtractResponse is the body returned by the extraction endpoint.
type ExtractResponse struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	FileType string `json:"file_type"`
}

// HTTPExtractor posts files to {baseURL}/api/files/extract.
type HTTPExtractor struct {
	baseURL string
	tokens  auth.TokenSource
	client  *http.Client
}

// NewHTTPExtractor creates an extractor for baseURL. A nil client selects
// one with a 60 second timeout.
func NewHTTPExtractor(baseURL string, tokens auth.TokenSource, client *http.Client) *HTTPExtractor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPExtractor{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
	}
}

// Extract uploads content as the multipart field "file".
func (e *HTTPExtractor) Extract(ctx context.Context, name, mediaType string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("writing form file: %w", err)
	}
	if mediaType != "" {
		if err := mw.WriteField("file_type", mediaType); err != nil {
			return "", fmt.Errorf("writing form field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/files/extract", &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if e.tokens != nil {
		token, err := e.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractResponse))
	if err != nil {
		return "", fmt.Errorf("reading extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extraction of %s returned status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out ExtractResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parsing extraction response: %w", err)
	}
	return out.Content, nil
}

// ExtractionError records which file failed.
type ExtractionError struct {
	FileID string
	Name   string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Name, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Pipeline runs extraction for the files of a Set.
type Pipeline struct {
	extractor   Extractor
	concurrency int
	logger      *slog.Logger
}

// NewPipeline creates a pipeline. A non-positive concurrency selects
// DefaultConcurrency; nil logger selects the default.
func NewPipeline(extractor Extractor, concurrency int, logger *slog.Logger) *Pipeline {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor:   extractor,
		concurrency: concurrency,
		logger:      logger.With("component", "attach"),
	}
}

// Extract extracts the files with the given ids, or every file not yet
// extracted when no ids are given. Files already extracting are skipped.
// A failure leaves that file's ExtractedContent nil and does not stop the
// others; all failures are returned joined as *ExtractionError values.
// Once ctx is done, files not yet started are left unextracted and the
// context error is joined in as well.
func (p *Pipeline) Extract(ctx context.Context, set *Set, ids ...string) error {
	if len(ids) == 0 {
		for _, f := range set.Files() {
			if f.ExtractedContent == nil {
				ids = append(ids, f.ID)
			}
		}
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(p.concurrency)

	for _, id := range ids {
		f, ok := set.beginExtraction(id)
		if !ok {
			if _, err := set.Get(id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				set.finishExtraction(f.ID, nil)
				return err
			}
			content, err := p.extractor.Extract(ctx, f.Name, f.MediaType, f.Content)
			if err != nil {
				set.finishExtraction(f.ID, nil)
				p.logger.Warn("extraction failed", "file", f.Name, "error", err)
				mu.Lock()
				errs = append(errs, &ExtractionError{FileID: f.ID, Name: f.Name, Err: err})
				mu.Unlock()
				// Per-file failures are collected above; only cancellation
				// surfaces through Wait.
				return ctx.Err()
			}
			set.finishExtraction(f.ID, &content)
			p.logger.Debug("extraction complete", "file", f.Name, "chars", len(content))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
