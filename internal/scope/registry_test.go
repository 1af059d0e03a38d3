package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

func TestRegistryValidOperation(t *testing.T) {
	r := NewRegistry()
	r.Register("invoice", mustOps(t, "read", "update"))
	r.Register("report", model.OpSetAll)

	if !r.IsValidOperation("invoice", model.OpRead) {
		t.Error("read on invoice should be valid")
	}
	if r.IsValidOperation("invoice", model.OpDelete) {
		t.Error("delete on invoice should be invalid")
	}
	if r.IsValidOperation("missing", model.OpRead) {
		t.Error("unregistered resource type should be invalid")
	}
	if r.IsValidOperation("report", model.Operation("execute")) {
		t.Error("non-CRUD operation should be invalid")
	}
}

func TestRegistryMergesRepeatedRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("invoice", mustOps(t, "read"))
	r.Register("invoice", mustOps(t, "update"))

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0].Operations
	if len(got) != 2 || got[0] != model.OpRead || got[1] != model.OpUpdate {
		t.Errorf("merged operations = %v, want [read update]", got)
	}
}

func TestLoadFile(t *testing.T) {
	content := `resources:
  - resource_type: invoice
    operations: [read, update]
  - resource_type: report
  - resource_type: sensor
    operations: [delete]
`
	path := filepath.Join(t.TempDir(), "resources.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp registry: %v", err)
	}

	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if !r.IsValidOperation("invoice", model.OpUpdate) {
		t.Error("invoice update should be valid")
	}
	if r.IsValidOperation("invoice", model.OpCreate) {
		t.Error("invoice create should be invalid")
	}
	// No operations listed means the full CRUD set.
	for _, op := range []model.Operation{model.OpCreate, model.OpRead, model.OpUpdate, model.OpDelete} {
		if !r.IsValidOperation("report", op) {
			t.Errorf("report %s should be valid", op)
		}
	}
	if !r.IsValidOperation("sensor", model.OpDelete) || r.IsValidOperation("sensor", model.OpRead) {
		t.Error("sensor should support delete only")
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("resources:\n  - operations: [read]\n"), 0644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for entry without resource_type")
	}

	badOp := filepath.Join(dir, "badop.yaml")
	os.WriteFile(badOp, []byte("resources:\n  - resource_type: x\n    operations: [fly]\n"), 0644)
	if _, err := LoadFile(badOp); err == nil {
		t.Error("expected error for unknown operation")
	}
}
