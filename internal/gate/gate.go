// ABOUTME: Credit check client for POST /api/credits/check and the Clearance it grants
// ABOUTME: Insufficient balances become tagged InsufficientError values, never generic failures

package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/wire"
)

// maxResponseSize bounds how much of a credits response is read.
const maxResponseSize = 1 << 20

// Request describes the conversation being priced.
type Request struct {
	AgentIDs []string `json:"agent_ids"`
	MaxTurns int      `json:"max_turns"`
}

// Result is the credits endpoint's answer.
type Result struct {
	Sufficient bool  `json:"has_sufficient"`
	Required   int64 `json:"required"`
	Current    int64 `json:"current"`
	Shortfall  int64 `json:"difference"`
}

// Checker prices a start request.
type Checker interface {
	Check(ctx context.Context, req Request) (Result, error)
}

// Clearance proves a credit check passed. The zero value is not valid.
type Clearance struct {
	granted   bool
	Required  int64
	CheckedAt time.Time
}

// Valid reports whether the clearance came from a sufficient Result.
func (c Clearance) Valid() bool { return c.granted }

// InsufficientError reports a credit shortfall.
type InsufficientError struct {
	Required  int64
	Current   int64
	Shortfall int64
	// Detail carries the server's text when the error was parsed from a
	// tagged reason rather than built from a Result.
	Detail string
}

func (e *InsufficientError) Error() string {
	if e.Detail != "" {
		return wire.InsufficientCreditsReason(e.Detail)
	}
	return wire.InsufficientCreditsReason(fmt.Sprintf("need %d credits, have %d (short %d)", e.Required, e.Current, e.Shortfall))
}

// Approve converts a Result into a Clearance, or an *InsufficientError when
// the balance does not cover the request.
func Approve(res Result) (Clearance, error) {
	if !res.Sufficient {
		shortfall := res.Shortfall
		if shortfall == 0 && res.Required > res.Current {
			shortfall = res.Required - res.Current
		}
		return Clearance{}, &InsufficientError{
			Required:  res.Required,
			Current:   res.Current,
			Shortfall: shortfall,
		}
	}
	return Clearance{granted: true, Required: res.Required, CheckedAt: time.Now()}, nil
}

// FromReason builds an *InsufficientError from a tagged wire reason.
// Returns nil when reason is not tagged.
func FromReason(reason string) *InsufficientError {
	if !wire.IsInsufficientCredits(reason) {
		return nil
	}
	return &InsufficientError{Detail: wire.ReasonDetail(reason)}
}

// IsInsufficient reports whether err is a credit shortfall, either as a typed
// *InsufficientError anywhere in the chain or as text carrying the tag.
func IsInsufficient(err error) bool {
	if err == nil {
		return false
	}
	var insufficient *InsufficientError
	if errors.As(err, &insufficient) {
		return true
	}
	return strings.Contains(err.Error(), wire.InsufficientCreditsPrefix)
}

// HTTPChecker calls the credits endpoint of the council API.
type HTTPChecker struct {
	baseURL string
	tokens  auth.TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPChecker creates a checker for baseURL. Pass nil client or logger for defaults.
func NewHTTPChecker(baseURL string, tokens auth.TokenSource, client *http.Client, logger *slog.Logger) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
		logger:  logger.With("component", "gate"),
	}
}

// Check posts req to /api/credits/check.
func (c *HTTPChecker) Check(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encoding credit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/credits/check", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("reading token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("checking credits: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Result{}, fmt.Errorf("reading credit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("credit check returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("parsing credit response: %w", err)
	}

	c.logger.Debug("credit check",
		"agents", len(req.AgentIDs),
		"max_turns", req.MaxTurns,
		"sufficient", res.Sufficient,
		"required", res.Required,
		"current", res.Current)
	return res, nil
}
