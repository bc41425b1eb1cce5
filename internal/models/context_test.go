package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestContextOrderedIteration(t *testing.T) {
	ctx := NewContext()
	ctx.Set("b", "2")
	ctx.Set("a", "1")
	ctx.Set("c", "3")
	// Re-setting an existing key keeps its position.
	ctx.Set("b", "22")

	want := []string{"b", "a", "c"}
	if got := ctx.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if v, _ := ctx.Get("b"); v != "22" {
		t.Errorf("Get(b) = %q, want %q", v, "22")
	}
}

func TestContextClearFlowScoped(t *testing.T) {
	ctx := NewContext()
	ctx.Set("flow_var", "x")
	ctx.Set("cart.item_count", "3")
	ctx.Set(ReturnStackKey, `[{"flow_id":"main","flow_version":1,"step_id":"s"}]`)
	ctx.Set("cart.updated_at", "2025-06-01T00:00:00Z")

	ctx.ClearFlowScoped()

	if _, ok := ctx.Get("flow_var"); ok {
		t.Error("flow_var should be cleared")
	}
	if _, ok := ctx.Get(ReturnStackKey); ok {
		t.Error("return stack should be cleared")
	}
	if v, ok := ctx.Get("cart.item_count"); !ok || v != "3" {
		t.Errorf("cart.item_count should survive, got %q ok=%v", v, ok)
	}
	if _, ok := ctx.Get("cart.updated_at"); !ok {
		t.Error("cart.updated_at should survive")
	}
}

func TestContextJSONRoundTripPreservesOrder(t *testing.T) {
	ctx := NewContext()
	ctx.Set("z", "last-first")
	ctx.Set("a", "second")
	ctx.Set("m", "third")

	data, err := json.Marshal(ctx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded := NewContext()
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, want := decoded.Keys(), []string{"z", "a", "m"}; !reflect.DeepEqual(got, want) {
		t.Errorf("round-trip keys = %v, want %v", got, want)
	}
	if v, _ := decoded.Get("z"); v != "last-first" {
		t.Errorf("round-trip value z = %q", v)
	}
}

func TestContextNilSafety(t *testing.T) {
	var ctx *Context
	if _, ok := ctx.Get("k"); ok {
		t.Error("nil context Get should report absent")
	}
	if ctx.Len() != 0 {
		t.Error("nil context Len should be 0")
	}
	ctx.Delete("k")
	ctx.ClearFlowScoped()
	if clone := ctx.Clone(); clone.Len() != 0 {
		t.Error("nil context Clone should be empty")
	}
}
