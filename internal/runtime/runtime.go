// Package runtime wires the pieces together: load configuration, build
// one supervisor per declared tunnel, and run them concurrently until
// every tunnel has terminated.
package runtime

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/emilianomaccaferri/tunglo/internal/config"
	"github.com/emilianomaccaferri/tunglo/internal/fingerprint"
	"github.com/emilianomaccaferri/tunglo/internal/tunnel"
)

// Run loads the config at path (empty uses the default location), builds
// one tunnel.Supervisor per [[tunnels]] entry, and runs them to
// completion. ctx governs graceful shutdown: cancelling it stops every
// supervisor's accept loop.
//
// A plain errgroup.Group is used deliberately, not errgroup.WithContext:
// with WithContext, the first goroutine to return an error cancels the
// shared context, which would propagate into every other supervisor's
// accept loop and violate Invariant I-ISO (a fatal failure in one tunnel
// must never affect a sibling's accept loop). Every supervisor goroutine
// below always returns nil to the group regardless of its tunnel's
// outcome, so ctx is only ever cancelled by the caller's own shutdown
// signal, never by a sibling's failure.
func Run(ctx context.Context, path string, log zerolog.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	store, err := fingerprint.New(cfg.Storage)
	if err != nil {
		return err
	}

	var group errgroup.Group
	results := make([]error, len(cfg.Tunnels))
	for i, spec := range cfg.Tunnels {
		i, spec := i, spec
		group.Go(func() error {
			sup := tunnel.New(spec, store, log)
			err := sup.Run(ctx)
			results[i] = err
			if err != nil {
				log.Error().Str("tunnel", spec.Name).Err(err).Msg("tunnel terminated with a fatal error")
			} else {
				log.Info().Str("tunnel", spec.Name).Msg("tunnel shut down cleanly")
			}
			return nil // errors are collected in results, not propagated to the group
		})
	}
	_ = group.Wait() // never returns non-nil: each goroutine itself always returns nil

	var summary *multierror.Error
	for _, err := range results {
		if err != nil {
			summary = multierror.Append(summary, err)
		}
	}
	if summary != nil {
		log.Error().Int("failed", len(summary.Errors)).Int("total", len(cfg.Tunnels)).Msg("one or more tunnels failed")
		return summary
	}
	log.Info().Int("total", len(cfg.Tunnels)).Msg("all tunnels shut down cleanly")
	return nil
}
