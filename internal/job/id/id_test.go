package id

import (
	"strings"
	"testing"
)

func TestGenerate_Prefix(t *testing.T) {
	got := Generate("job")
	if !strings.HasPrefix(got, "job-") {
		t.Errorf("expected prefix job-, got %s", got)
	}
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate("upload")
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestHelpers(t *testing.T) {
	if !strings.HasPrefix(Job(), "job-") {
		t.Error("Job() should produce job- prefix")
	}
	if !strings.HasPrefix(Upload(), "upload-") {
		t.Error("Upload() should produce upload- prefix")
	}
}
