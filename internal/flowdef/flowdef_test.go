package flowdef

import (
	"strings"
	"testing"
)

func validDef() *FlowDefinition {
	return &FlowDefinition{
		Name:    "main",
		Version: 1,
		Entry:   "menu",
		Steps: []Step{
			{
				ID:   "menu",
				Kind: StepMessage,
				Transitions: []Transition{
					{When: Condition{Input: "bye"}, Next: "done"},
				},
				Default: "menu",
			},
			{ID: "done", Kind: StepTerminal},
		},
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	if err := Validate(validDef()); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*FlowDefinition)
		wantSub string
	}{
		{"missing name", func(d *FlowDefinition) { d.Name = "" }, "missing name"},
		{"non-positive version", func(d *FlowDefinition) { d.Version = 0 }, "version must be positive"},
		{"no steps", func(d *FlowDefinition) { d.Steps = nil }, "no steps"},
		{"duplicate step id", func(d *FlowDefinition) { d.Steps = append(d.Steps, Step{ID: "menu", Kind: StepTerminal}) }, "duplicate step id"},
		{"missing entry", func(d *FlowDefinition) { d.Entry = "" }, "missing entry"},
		{"unknown entry", func(d *FlowDefinition) { d.Entry = "nope" }, "does not exist"},
		{"transition to unknown step", func(d *FlowDefinition) { d.Steps[0].Transitions[0].Next = "ghost" }, "unknown step"},
		{"terminal with transitions", func(d *FlowDefinition) {
			d.Steps[1].Transitions = []Transition{{When: Condition{Input: "x"}, Next: "menu"}}
		}, "terminal steps cannot declare transitions"},
		{"non-terminal without default", func(d *FlowDefinition) { d.Steps[0].Default = "" }, "requires a default"},
		{"input-capture without key", func(d *FlowDefinition) {
			d.Steps[0].Kind = StepInputCapture
		}, "requires capture_key"},
		{"action without name", func(d *FlowDefinition) {
			d.Steps[0].Kind = StepAction
		}, "requires an action name"},
		{"subflow-call without target", func(d *FlowDefinition) {
			d.Steps[0].Kind = StepSubflowCall
		}, "requires a subflow name"},
		{"invalid kind", func(d *FlowDefinition) { d.Steps[0].Kind = "teleport" }, "invalid kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDef()
			tc.mutate(def)
			err := Validate(def)
			if err == nil {
				t.Fatal("Validate() accepted an invalid definition")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestNewRegistryResolvesMainMenuAndVersions(t *testing.T) {
	v1 := validDef()
	v2 := validDef()
	v2.Version = 2

	r, err := NewRegistry([]*FlowDefinition{v1, v2}, "main", "menu")
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}

	if def, ok := r.Get("main", 1); !ok || def.Version != 1 {
		t.Error("exact version lookup failed for v1")
	}
	if def, ok := r.Latest("main"); !ok || def.Version != 2 {
		t.Error("Latest should resolve v2")
	}
	mainDef, step := r.MainMenu()
	if mainDef.Name != "main" || step != "menu" {
		t.Errorf("MainMenu() = %s/%s", mainDef.Name, step)
	}
}

func TestNewRegistryRejectsUnresolvedSubflow(t *testing.T) {
	def := validDef()
	def.Steps = append(def.Steps, Step{ID: "call", Kind: StepSubflowCall, Subflow: "missing", Default: "menu"})

	_, err := NewRegistry([]*FlowDefinition{def}, "main", "menu")
	if err == nil || !strings.Contains(err.Error(), "is not loaded") {
		t.Fatalf("expected unresolved subflow error, got %v", err)
	}
}

func TestNewRegistryRejectsUnknownMainMenu(t *testing.T) {
	if _, err := NewRegistry([]*FlowDefinition{validDef()}, "main", "ghost"); err == nil {
		t.Error("expected error for unknown main menu step")
	}
	if _, err := NewRegistry([]*FlowDefinition{validDef()}, "other", "menu"); err == nil {
		t.Error("expected error for unloaded main flow")
	}
}

func TestNewRegistryRejectsDuplicateVersion(t *testing.T) {
	if _, err := NewRegistry([]*FlowDefinition{validDef(), validDef()}, "main", "menu"); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestParseDefinition(t *testing.T) {
	doc := `
name: greet
version: 3
entry: hello
steps:
  - id: hello
    kind: input-capture
    capture_key: profile.name
    message: "What's your name?"
    default: reply
  - id: reply
    kind: message
    message: "Hi {{profile.name}}!"
    default: hello
`
	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDefinition() = %v", err)
	}
	if def.Name != "greet" || def.Version != 3 || def.Entry != "hello" {
		t.Errorf("header = %s v%d entry %s", def.Name, def.Version, def.Entry)
	}
	step, ok := def.Step("hello")
	if !ok || step.Kind != StepInputCapture || step.CaptureKey != "profile.name" {
		t.Errorf("hello step = %+v", step)
	}
}

func TestParseDefinitionRejectsInvalidYAML(t *testing.T) {
	if _, err := ParseDefinition([]byte("name: [broken")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := ParseDefinition([]byte("name: x\nversion: 1\nentry: a\nsteps: []")); err == nil {
		t.Error("expected validation error for empty steps")
	}
}
