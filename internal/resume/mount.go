// ABOUTME: Mount-time resumption pass over origins in priority order
// ABOUTME: The first record that successfully starts a conversation wins; the rest are only consumed

package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// StartFunc starts a conversation from a resumed record.
type StartFunc func(ctx context.Context, rec Record) error

// Mount runs one resumption pass. Nothing is read when isActive reports an
// active conversation. Otherwise every origin's record is consumed in
// priority order, and start is called for fresh records until one succeeds.
// It returns the origin that started a conversation, or "" and the joined
// start errors when none did.
func Mount(ctx context.Context, store *Store, origins []string, isActive func() bool, start StartFunc) (string, error) {
	if isActive != nil && isActive() {
		store.logger.Debug("resume skipped, conversation already active")
		return "", nil
	}
	if len(origins) == 0 {
		origins = store.origins
	}

	var (
		fired string
		errs  []error
	)
	for _, origin := range origins {
		rec, ok := store.ConsumeIfFresh(ctx, origin)
		if !ok {
			continue
		}
		if fired != "" {
			store.logger.Info("resume record superseded",
				"origin", origin,
				"fired_origin", fired)
			continue
		}

		if err := start(ctx, *rec); err != nil {
			store.logger.Warn("resumed start failed",
				slog.String("origin", origin),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("resuming %s: %w", origin, err))
			continue
		}
		fired = origin
		store.logger.Info("conversation resumed from record", "origin", origin)
	}

	if fired != "" {
		return fired, nil
	}
	return "", errors.Join(errs...)
}
