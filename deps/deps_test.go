package deps

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestScanParsesMakeRule(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-cc")
	body := "#!/bin/sh\necho 'foo.o: foo.c foo.h \\\n  common.h'\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	result, err := Scan(context.Background(), []string{script}, dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := map[string]bool{"foo.c": true, "foo.h": true, "common.h": true}
	if len(result.Dependencies) != len(want) {
		t.Fatalf("Dependencies = %v, want %v", result.Dependencies, want)
	}
	for _, d := range result.Dependencies {
		if !want[d] {
			t.Errorf("unexpected dependency %q", d)
		}
	}
}

func TestScanFailsOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fails")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := Scan(context.Background(), []string{script}, dir); err == nil {
		t.Errorf("Scan succeeded, want error")
	}
}

func TestScanRejectsEmptyCommand(t *testing.T) {
	if _, err := Scan(context.Background(), nil, "."); err == nil {
		t.Errorf("Scan(nil) succeeded, want error")
	}
}

func TestParseMakeRulesDedupes(t *testing.T) {
	got := parseMakeRules("a.o: x.h y.h x.h\n")
	if len(got) != 2 {
		t.Errorf("parseMakeRules returned %v, want 2 deduplicated entries", got)
	}
}
