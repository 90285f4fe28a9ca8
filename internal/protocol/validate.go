package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	MinTrials = 1
	MaxTrials = 5000
)

// ParseInbound decodes a raw inbound message by sniffing its type, applying
// validation rules, and returning the typed payload as an `any`
// holding one of *StartMessage, *TrialResultMessage, *StopMessage.
// An unrecognized type, malformed JSON, or a failed validation rule is
// reported as a protocol error.
func ParseInbound(raw []byte) (any, error) {
	t, err := Sniff(raw)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeStart:
		var m StartMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: malformed start message: %w", err)
		}
		if err := ValidateConfig(m.Config); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeTrialResult:
		var m TrialResultMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: malformed trial-result message: %w", err)
		}
		if err := ValidateFinite(m.Payload.Metrics); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeStop:
		var m StopMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: malformed stop message: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", t)
	}
}

// ValidateConfig checks an OptimisationConfig's structural invariants:
// budget range, at least one enabled dimension, well-formed numeric ranges,
// non-empty categorical label lists, and (when both present) a sane date
// range.
func ValidateConfig(cfg OptimisationConfig) error {
	if cfg.Trials < MinTrials || cfg.Trials > MaxTrials {
		return fmt.Errorf("protocol: trials must be in [%d, %d], got %d", MinTrials, MaxTrials, cfg.Trials)
	}

	anyEnabled := false
	for _, d := range cfg.Dimensions {
		if !d.Enabled {
			continue
		}
		anyEnabled = true
		switch d.Kind {
		case "int", "float":
			if !(d.Min < d.Max) {
				return fmt.Errorf("protocol: dimension %q: min must be < max", d.ID)
			}
			if d.Step < 0 {
				return fmt.Errorf("protocol: dimension %q: step must be >= 0", d.ID)
			}
		case "bool":
		case "categorical", "ordinal":
			if len(d.Labels) == 0 {
				return fmt.Errorf("protocol: dimension %q: labels must be non-empty", d.ID)
			}
		default:
			return fmt.Errorf("protocol: dimension %q: unknown kind %q", d.ID, d.Kind)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("protocol: no dimension is enabled")
	}

	if len(cfg.Targets) == 0 {
		return fmt.Errorf("protocol: at least one target metric must be declared")
	}

	if cfg.StartDate != "" && cfg.EndDate != "" {
		if cfg.EndDate < cfg.StartDate {
			return fmt.Errorf("protocol: endDate must not precede startDate")
		}
	}

	return nil
}
