package notifier

import (
	"fmt"
	"time"
)

// TargetConfig is one target definition from the event.targets section
// of the config file. Fallback entries nest recursively, though in
// practice chains are flat lists.
type TargetConfig struct {
	Kind string `mapstructure:"kind"`

	// http
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`

	// nats
	Subject string `mapstructure:"subject"`

	// kafka
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`

	TimeoutSeconds int `mapstructure:"timeoutSeconds"`

	Fallback []TargetConfig `mapstructure:"fallback"`
}

// BuildTargets constructs every configured primary target with its
// fallback chain. Any invalid target aborts startup.
func BuildTargets(configs []TargetConfig) ([]Target, error) {
	targets := make([]Target, 0, len(configs))
	for i, cfg := range configs {
		t, err := buildTarget(cfg)
		if err != nil {
			return nil, fmt.Errorf("event target %d: %w", i, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func buildTarget(cfg TargetConfig) (Target, error) {
	fallbacks := make([]Target, 0, len(cfg.Fallback))
	for i, fc := range cfg.Fallback {
		ft, err := buildTarget(fc)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		fallbacks = append(fallbacks, ft)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var t Target
	switch cfg.Kind {
	case "http":
		t = NewHTTPTarget(cfg.URL, cfg.Method, cfg.Headers, timeout, fallbacks)
	case "nats":
		t = NewNATSTarget(cfg.URL, cfg.Subject, timeout, fallbacks)
	case "kafka":
		t = NewKafkaTarget(cfg.Brokers, cfg.Topic, timeout, fallbacks)
	default:
		return nil, fmt.Errorf("unknown target kind %q", cfg.Kind)
	}

	if !t.IsValid() {
		return nil, fmt.Errorf("%s", t.ErrorMessage())
	}
	return t, nil
}
