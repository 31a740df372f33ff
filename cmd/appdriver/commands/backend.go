package commands

import (
	"fmt"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/a11y/atspi"
	"github.com/bryanchriswhite/appdriver/internal/a11y/memtree"
	"github.com/bryanchriswhite/appdriver/internal/a11y/x11"
	"github.com/bryanchriswhite/appdriver/internal/config"
	"github.com/bryanchriswhite/appdriver/internal/locator"
	"github.com/prometheus/client_golang/prometheus"
)

// openProvider builds the provider named by cfg.Backend.
func openProvider(cfg *config.Config) (a11y.Provider, error) {
	switch cfg.Backend {
	case config.BackendATSPI:
		return atspi.New(atspi.DefaultCallTimeout), nil
	case config.BackendX11:
		return x11.New(), nil
	case config.BackendFixture:
		tree, err := memtree.Load(cfg.FixturePath)
		if err != nil {
			return nil, &locator.ConfigurationError{Err: err}
		}
		return tree, nil
	}
	return nil, &locator.ConfigurationError{Err: fmt.Errorf("unknown backend: %q", cfg.Backend)}
}

// session is a locator plus the registry its metrics are recorded on.
type session struct {
	locator  *locator.Locator
	registry *prometheus.Registry
	path     string
}

func newSession(cfg *config.Config) (*session, error) {
	provider, err := openProvider(cfg)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &session{
		locator:  locator.New(provider, locator.WithMetrics(locator.NewMetrics(reg))),
		registry: reg,
		path:     cfg.MetricsFile,
	}, nil
}

// flush writes the metrics textfile, if one is configured.
func (s *session) flush() error {
	if s.path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(s.path, s.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
