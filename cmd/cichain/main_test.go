package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLintCommand(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yml")
	invalid := filepath.Join(dir, "invalid.yml")
	os.WriteFile(valid, []byte("build:\n  script: [make]\n"), 0o644)
	os.WriteFile(invalid, []byte("build:\n  stage: nowhere\n  script: [make]\n"), 0o644)

	out, err := execute(t, "lint", valid)
	if err != nil {
		t.Fatalf("lint valid: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = execute(t, "lint", invalid)
	if err == nil {
		t.Errorf("expected invalid config to fail, output: %s", out)
	}
}

func TestTokenHashCommand(t *testing.T) {
	out, err := execute(t, "token-hash", "secret")
	if err != nil {
		t.Fatal(err)
	}
	// sha256("secret")
	if !strings.Contains(out, "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b") {
		t.Errorf("hash missing from output: %s", out)
	}
}
