package flowdef

import (
	"fmt"
)

// Validation errors are configuration defects: a definition that fails
// validation is rejected before activation and never reaches the engine.

// Validate checks graph integrity for a single definition: every transition
// (including defaults) must resolve to an existing step id within the same
// version, non-terminal steps need a default, and kind-specific fields must
// be present.
func Validate(def *FlowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("flow definition missing name")
	}
	if def.Version <= 0 {
		return fmt.Errorf("flow %q: version must be positive, got %d", def.Name, def.Version)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("flow %q v%d: no steps defined", def.Name, def.Version)
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("flow %q v%d: step with empty id", def.Name, def.Version)
		}
		if seen[s.ID] {
			return fmt.Errorf("flow %q v%d: duplicate step id %q", def.Name, def.Version, s.ID)
		}
		seen[s.ID] = true
	}

	if def.Entry == "" {
		return fmt.Errorf("flow %q v%d: missing entry step", def.Name, def.Version)
	}
	if !seen[def.Entry] {
		return fmt.Errorf("flow %q v%d: entry step %q does not exist", def.Name, def.Version, def.Entry)
	}

	for _, s := range def.Steps {
		if err := validateStep(def, &s, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(def *FlowDefinition, s *Step, seen map[string]bool) error {
	if !IsValidStepKind(s.Kind) {
		return fmt.Errorf("flow %q v%d step %q: invalid kind %q", def.Name, def.Version, s.ID, s.Kind)
	}

	for i, t := range s.Transitions {
		if t.Next == "" {
			return fmt.Errorf("flow %q v%d step %q: transition %d has no next step", def.Name, def.Version, s.ID, i)
		}
		if !seen[t.Next] {
			return fmt.Errorf("flow %q v%d step %q: transition %d targets unknown step %q", def.Name, def.Version, s.ID, i, t.Next)
		}
	}

	switch s.Kind {
	case StepTerminal:
		if s.Default != "" || len(s.Transitions) > 0 {
			return fmt.Errorf("flow %q v%d step %q: terminal steps cannot declare transitions", def.Name, def.Version, s.ID)
		}
		return nil
	case StepInputCapture:
		if s.CaptureKey == "" {
			return fmt.Errorf("flow %q v%d step %q: input-capture requires capture_key", def.Name, def.Version, s.ID)
		}
	case StepAction:
		if s.Action == "" {
			return fmt.Errorf("flow %q v%d step %q: action step requires an action name", def.Name, def.Version, s.ID)
		}
	case StepSubflowCall:
		if s.Subflow == "" {
			return fmt.Errorf("flow %q v%d step %q: subflow-call requires a subflow name", def.Name, def.Version, s.ID)
		}
	}

	if s.Default == "" {
		return fmt.Errorf("flow %q v%d step %q: non-terminal step requires a default transition", def.Name, def.Version, s.ID)
	}
	if !seen[s.Default] {
		return fmt.Errorf("flow %q v%d step %q: default targets unknown step %q", def.Name, def.Version, s.ID, s.Default)
	}
	return nil
}

// validateCrossFlow checks subflow-call targets against the full set of
// loaded definitions.
func validateCrossFlow(defs map[string]map[int]*FlowDefinition) error {
	for name, versions := range defs {
		for version, def := range versions {
			for _, s := range def.Steps {
				if s.Kind != StepSubflowCall {
					continue
				}
				if _, ok := defs[s.Subflow]; !ok {
					return fmt.Errorf("flow %q v%d step %q: subflow %q is not loaded", name, version, s.ID, s.Subflow)
				}
			}
		}
	}
	return nil
}
