package telemetry

import (
	"fmt"
	"io"

	"github.com/gobwas/glob"

	"github.com/uselesscalc/orchestrator/internal/config"
)

// NewDestination constructs the destination selected by mode.
func NewDestination(cfg *config.Config, mode config.Mode, stdout io.Writer) (Destination, error) {
	switch mode {
	case config.ModeConsole:
		return NewConsole(stdout), nil
	case config.ModeLocal:
		return NewLocalFile(cfg.Local), nil
	case config.ModeCloudWatch:
		return NewCloudWatch(cfg.CloudWatch, cfg.Identity, cfg.Delivery), nil
	case config.ModeAzureMonitor:
		return NewAzureMonitor(cfg.AzureMonitor, cfg.Delivery), nil
	case config.ModeGELF:
		return NewGELF(cfg.GELF), nil
	default:
		return nil, fmt.Errorf("unsupported telemetry mode: %s", mode)
	}
}

// Build creates a Dispatcher with one destination per configured mode, in
// configuration order. Start must still be called.
func Build(cfg *config.Config, stdout io.Writer, opts ...Option) (*Dispatcher, error) {
	base := []Option{WithShutdownTimeout(cfg.Delivery.ShutdownTimeout)}
	if len(cfg.Redact) > 0 {
		patterns := make([]glob.Glob, 0, len(cfg.Redact))
		for _, p := range cfg.Redact {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, &config.ConfigError{Key: config.KeyRedact, Value: p, Reason: err.Error()}
			}
			patterns = append(patterns, g)
		}
		base = append(base, WithRedaction(patterns...))
	}

	d := NewDispatcher(cfg.Identity, append(base, opts...)...)
	for _, mode := range cfg.Modes {
		dest, err := NewDestination(cfg, mode, stdout)
		if err != nil {
			return nil, err
		}
		if err := d.Register(dest); err != nil {
			return nil, err
		}
	}
	return d, nil
}
