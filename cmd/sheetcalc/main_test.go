package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const fixture = `
sheets:
  - name: Sheet1
    cells:
      A1: 2
      A2: 3
      A3: "=SUM(A1:A2)*Rate"
      B1: "=SEQUENCE(2)"
  - name: Other Sheet
    max_rows: 10
    max_cols: 5
    cells:
      A1: "=Sheet1!A3+1"
names:
  - name: Rate
    text: "=10"
`

func writeFixture(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workbook.yaml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunPrintsWorkbookCells(t *testing.T) {
	path := writeFixture(t, fixture)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{path}, &stdout, &stderr, false); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	want := []string{
		"Sheet1!A1\t2\t",
		"Sheet1!B1\t1\t=SEQUENCE(2)",
		"Sheet1!A2\t3\t",
		"Sheet1!A3\t50\t=SUM(A1:A2)*Rate",
		"'Other Sheet'!A1\t51\t=Sheet1!A3+1",
	}
	got := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSelectedAddresses(t *testing.T) {
	path := writeFixture(t, fixture)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{path, "Sheet1!B2"}, &stdout, &stderr, false); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if got, want := stdout.String(), "Sheet1!B2\t2\t\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRunErrors(t *testing.T) {
	t.Run("missing workbook argument", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if code := run(context.Background(), nil, &stdout, &stderr, false); code != 2 {
			t.Errorf("exit code %d, want 2", code)
		}
	})

	t.Run("bad formula", func(t *testing.T) {
		path := writeFixture(t, "sheets:\n  - name: S\n    cells:\n      A1: \"=1+\"\n")
		var stdout, stderr bytes.Buffer
		if code := run(context.Background(), []string{path}, &stdout, &stderr, false); code != 1 {
			t.Errorf("exit code %d, want 1", code)
		}
		if !strings.Contains(stderr.String(), "S!A1") {
			t.Errorf("stderr %q does not name the cell", stderr.String())
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		dir := t.TempDir()
		config := filepath.Join(dir, "engine.yaml")
		if err := os.WriteFile(config, []byte("max_text_bytes: lots\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), []string{"-config", config, writeFixture(t, fixture)}, &stdout, &stderr, false)
		if code != 2 {
			t.Errorf("exit code %d, want 2", code)
		}
	})
}
