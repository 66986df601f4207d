package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tether/internal/config"
	"tether/internal/session"
	"tether/pkg/logging"
)

const (
	// shutdownTimeout bounds the graceful drain of in-flight requests.
	shutdownTimeout = 10 * time.Second

	// maintenanceInterval paces the background sweep of expired
	// credentials and stale session descriptors.
	maintenanceInterval = time.Hour

	// sessionRetentionFactor times the idle timeout is how long
	// inactive session descriptors stay inspectable before removal.
	sessionRetentionFactor = 7
)

// Run restores persisted sessions, starts the active transport, and
// blocks until the context is canceled or the process receives
// SIGINT/SIGTERM. It always runs the graceful shutdown before
// returning.
func (a *Application) Run(ctx context.Context) error {
	svc := a.services
	cfg := a.Config()

	if cfg.Transport == config.TransportStreamableHTTP {
		restored, err := session.RestoreSessions(ctx, svc.Sessions, svc.Registry, svc.HTTP.AttachRestoredSession)
		if err != nil {
			logging.Warn("App", "Session restore incomplete: %v", err)
		}
		if restored > 0 {
			logging.Info("App", "Restored %d sessions from the previous run", restored)
		}
	}

	if err := svc.Manager.Start(ctx); err != nil {
		return fmt.Errorf("starting %s transport: %w", svc.Manager.Active(), err)
	}

	if svc.Watcher != nil {
		if err := svc.Watcher.Start(); err != nil {
			logging.Warn("App", "Config watcher not started: %v", err)
		}
	}

	maintCtx, stopMaintenance := context.WithCancel(context.Background())
	defer stopMaintenance()
	go a.maintain(maintCtx)

	notifySystemd(daemon.SdNotifyReady)
	logging.Info("App", "%s %s ready (transport: %s)", serverName, a.opts.Version, svc.Manager.Active())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logging.Info("App", "Received %s, shutting down", sig)
	case <-ctx.Done():
		logging.Info("App", "Context canceled, shutting down")
	}

	return a.shutdown()
}

// shutdown drains the active transport, stops the session registry
// without invalidating persisted descriptors, and closes the store.
func (a *Application) shutdown() error {
	notifySystemd(daemon.SdNotifyStopping)
	svc := a.services

	if svc.Watcher != nil {
		svc.Watcher.Stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Manager.Cleanup(drainCtx); err != nil {
		logging.Error("App", err, "Transport cleanup failed")
	}

	// Stop drops live streams without marking sessions inactive so the
	// next boot can restore them.
	svc.Registry.Stop()

	if err := svc.Store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}

	logging.Info("App", "Shutdown complete")
	return nil
}

// maintain periodically deletes expired upstream credentials and
// session descriptors that have been inactive for several idle
// timeouts.
func (a *Application) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		opCtx, cancel := context.WithTimeout(ctx, time.Minute)

		if removed, err := a.services.Creds.CleanupExpired(opCtx); err != nil {
			logging.Warn("App", "Credential cleanup failed: %v", err)
		} else if removed > 0 {
			logging.Debug("App", "Removed %d expired credential sets", removed)
		}

		maxAge := sessionRetentionFactor * a.Config().Session.Timeout.Std()
		if removed, err := a.services.Sessions.CleanupOldSessions(opCtx, maxAge); err != nil {
			logging.Warn("App", "Session cleanup failed: %v", err)
		} else if removed > 0 {
			logging.Debug("App", "Removed %d stale session descriptors", removed)
		}

		cancel()
	}
}

// notifySystemd reports lifecycle state when running under systemd and
// is a no-op everywhere else.
func notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logging.Debug("App", "systemd notify failed: %v", err)
	}
}
