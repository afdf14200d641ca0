package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("doc")
	if !strings.HasPrefix(id, "doc_") || len(id) != len("doc_")+32 {
		t.Fatalf("unexpected id shape: %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatalf("ids must not repeat")
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatalf("unprefixed ids carry no separator")
	}
}
