package flowdef

import (
	"fmt"
	"log/slog"
)

// Registry is the immutable, versioned collection of flow definitions. It is
// built once by the loader, shared across all workers without locking, and
// replaced wholesale (never mutated) when definitions change.
type Registry struct {
	flows map[string]map[int]*FlowDefinition
	// latest maps flow name to its highest loaded version.
	latest map[string]int
	// mainFlow/mainMenuStep designate the step the exit keyword jumps to.
	mainFlow     string
	mainMenuStep string
}

// NewRegistry builds a registry from validated definitions. The main-menu
// designation must resolve to a loaded step.
func NewRegistry(defs []*FlowDefinition, mainFlow, mainMenuStep string) (*Registry, error) {
	r := &Registry{
		flows:        make(map[string]map[int]*FlowDefinition),
		latest:       make(map[string]int),
		mainFlow:     mainFlow,
		mainMenuStep: mainMenuStep,
	}
	for _, def := range defs {
		if err := Validate(def); err != nil {
			return nil, err
		}
		def.index()
		versions, ok := r.flows[def.Name]
		if !ok {
			versions = make(map[int]*FlowDefinition)
			r.flows[def.Name] = versions
		}
		if _, dup := versions[def.Version]; dup {
			return nil, fmt.Errorf("duplicate flow definition %q v%d", def.Name, def.Version)
		}
		versions[def.Version] = def
		if def.Version > r.latest[def.Name] {
			r.latest[def.Name] = def.Version
		}
	}

	if err := validateCrossFlow(r.flows); err != nil {
		return nil, err
	}

	mainDef, ok := r.Latest(mainFlow)
	if !ok {
		return nil, fmt.Errorf("main flow %q is not loaded", mainFlow)
	}
	if _, ok := mainDef.Step(mainMenuStep); !ok {
		return nil, fmt.Errorf("main menu step %q does not exist in flow %q v%d", mainMenuStep, mainFlow, mainDef.Version)
	}

	slog.Info("Registry built", "flows", len(r.flows), "mainFlow", mainFlow, "mainMenuStep", mainMenuStep)
	return r, nil
}

// Get resolves a flow definition by name and exact version.
func (r *Registry) Get(name string, version int) (*FlowDefinition, bool) {
	versions, ok := r.flows[name]
	if !ok {
		return nil, false
	}
	def, ok := versions[version]
	return def, ok
}

// Latest resolves the highest loaded version of a flow.
func (r *Registry) Latest(name string) (*FlowDefinition, bool) {
	v, ok := r.latest[name]
	if !ok {
		return nil, false
	}
	return r.flows[name][v], true
}

// MainMenu returns the designated main flow definition and menu step id.
func (r *Registry) MainMenu() (*FlowDefinition, string) {
	def, _ := r.Latest(r.mainFlow)
	return def, r.mainMenuStep
}

// FlowNames lists the loaded flow names.
func (r *Registry) FlowNames() []string {
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	return names
}
