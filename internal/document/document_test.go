package document

import (
	"encoding/json"
	"testing"
)

func TestDocumentIsImmutable(t *testing.T) {
	props := map[string]string{"owner": "ops"}
	doc := New("Runbook", "a\nb", props)
	props["owner"] = "changed"

	if value, _ := doc.Property("owner"); value != "ops" {
		t.Fatalf("Property(owner) = %q, want ops", value)
	}

	edited := doc.WithTitle("Runbook v2").WithProperty("tier", "1")
	if doc.Title() != "Runbook" {
		t.Fatalf("original title changed to %q", doc.Title())
	}
	if _, ok := doc.Property("tier"); ok {
		t.Fatal("original gained a property")
	}
	if edited.Title() != "Runbook v2" {
		t.Fatalf("edited title = %q", edited.Title())
	}

	returned := edited.Properties()
	returned["owner"] = "mutated"
	if value, _ := edited.Property("owner"); value != "ops" {
		t.Fatalf("Properties() leaked internal map, owner = %q", value)
	}
}

func TestLines(t *testing.T) {
	if lines := New("", "", nil).Lines(); lines != nil {
		t.Fatalf("Lines() on empty content = %#v", lines)
	}
	lines := New("", "one\ntwo\n", nil).Lines()
	if len(lines) != 3 || lines[2] != "" {
		t.Fatalf("Lines() = %#v", lines)
	}
}

func TestEqualAndHash(t *testing.T) {
	a := New("T", "body", map[string]string{"k": "v"})
	b := New("T", "body", map[string]string{"k": "v"})
	if !Equal(a, b) {
		t.Fatal("expected equal documents")
	}
	if Hash(a) != Hash(b) {
		t.Fatal("expected identical hashes")
	}
	if Equal(a, b.WithoutProperty("k")) {
		t.Fatal("expected documents to differ")
	}
	if !Equal(nil, nil) || Equal(a, nil) {
		t.Fatal("nil handling is wrong")
	}
	if Hash(nil) != "" {
		t.Fatal("expected empty hash for nil")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	doc := New("Title", "line 1\nline 2", map[string]string{"status": "draft"})
	payload, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded Document
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !Equal(doc, &decoded) {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("handbook;fr")
	if err != nil {
		t.Fatalf("ParseReference() error = %v", err)
	}
	if ref.ID != "handbook" || ref.Locale != "fr" || ref.String() != "handbook;fr" {
		t.Fatalf("unexpected reference %+v", ref)
	}
	if _, err := ParseReference(" "); err == nil {
		t.Fatal("expected error for empty reference")
	}
}
