package session

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"tether/pkg/logging"
)

// restoreConcurrency bounds how many session transports are rebuilt in
// parallel during startup.
const restoreConcurrency = 8

// AttachFunc rebuilds the live transport binding for one restored session.
// Implementations register the existing session id with the MCP engine and
// return the stream handle the registry should track.
type AttachFunc func(ctx context.Context, info *PersistedSession) (Stream, error)

// RestoreSessions re-registers every active persisted session with the live
// registry. Each restored session is inserted into the registry as soon as
// its transport is attached: a client reconnect may race the first
// post-restart request, so registration cannot wait for it. Per-session
// failures are logged and mark the descriptor inactive; they do not abort
// the restore. Returns the number of sessions restored.
func RestoreSessions(ctx context.Context, store *Store, reg *Registry, attach AttachFunc) (int, error) {
	sessions, err := store.GetActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	var (
		mu       sync.Mutex
		restored int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)

	for _, info := range sessions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			stream, err := attach(gctx, info)
			if err != nil {
				logging.Warn("SessionRestore", "Failed to attach session %s: %v",
					logging.TruncateSessionID(info.SessionID), err)
				markRestoreFailure(gctx, store, info.SessionID)
				return nil
			}

			if _, err := reg.Register(info.SessionID, info.UserID, stream); err != nil {
				logging.Warn("SessionRestore", "Failed to register restored session %s: %v",
					logging.TruncateSessionID(info.SessionID), err)
				if closeErr := stream.Close(); closeErr != nil {
					logging.Warn("SessionRestore", "Error closing stream for session %s: %v",
						logging.TruncateSessionID(info.SessionID), closeErr)
				}
				markRestoreFailure(gctx, store, info.SessionID)
				return nil
			}

			mu.Lock()
			restored++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return restored, err
	}

	logging.Info("SessionRestore", "Restored %d of %d persisted sessions", restored, len(sessions))
	return restored, nil
}

func markRestoreFailure(ctx context.Context, store *Store, sessionID string) {
	if err := store.MarkInactive(ctx, sessionID); err != nil {
		logging.Error("SessionRestore", err, "Failed to mark session %s inactive",
			logging.TruncateSessionID(sessionID))
	}
}
