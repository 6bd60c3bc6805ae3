// ABOUTME: Shared helpers for notify tests
// ABOUTME: Provides a discard logger

package notify

import (
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
