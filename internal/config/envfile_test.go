package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFileParsesAndRespectsExistingValues(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, "env")
	content := `
# comment
export FOO=bar
QUOTED="hello world"
SINGLE='x y'
INVALID_LINE
`
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	origFoo := os.Getenv("FOO")
	origQuoted := os.Getenv("QUOTED")
	defer os.Setenv("FOO", origFoo)
	defer os.Setenv("QUOTED", origQuoted)

	_ = os.Setenv("FOO", "existing")
	_ = os.Unsetenv("QUOTED")
	_ = os.Unsetenv("SINGLE")

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}

	if got := os.Getenv("FOO"); got != "existing" {
		t.Fatalf("expected existing FOO preserved, got %q", got)
	}
	if got := os.Getenv("QUOTED"); got != "hello world" {
		t.Fatalf("expected QUOTED loaded, got %q", got)
	}
	if got := os.Getenv("SINGLE"); got != "x y" {
		t.Fatalf("expected SINGLE loaded, got %q", got)
	}
}

func TestLoadEnvFileCandidatesFromExplicitPath(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, "snapload.env")
	if err := os.WriteFile(envPath, []byte("EXPLICIT_KEY=42\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	origExplicit := os.Getenv("SNAPLOAD_ENV_FILE")
	origKey := os.Getenv("EXPLICIT_KEY")
	defer os.Setenv("SNAPLOAD_ENV_FILE", origExplicit)
	defer os.Setenv("EXPLICIT_KEY", origKey)
	_ = os.Setenv("SNAPLOAD_ENV_FILE", envPath)
	_ = os.Unsetenv("EXPLICIT_KEY")

	LoadEnvFileCandidates()

	if got := os.Getenv("EXPLICIT_KEY"); got != "42" {
		t.Fatalf("expected EXPLICIT_KEY loaded from explicit env file, got %q", got)
	}
}

func TestLoadEnvFileCandidatesFromHome(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, "home")
	envDir := filepath.Join(home, ".config", "snapload")
	if err := os.MkdirAll(envDir, 0o700); err != nil {
		t.Fatalf("mkdir env dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("HOME_ENV_KEY=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	origHome := os.Getenv("HOME")
	origExplicit := os.Getenv("SNAPLOAD_ENV_FILE")
	origKey := os.Getenv("HOME_ENV_KEY")
	defer os.Setenv("HOME", origHome)
	defer os.Setenv("SNAPLOAD_ENV_FILE", origExplicit)
	defer os.Setenv("HOME_ENV_KEY", origKey)
	_ = os.Setenv("HOME", home)
	_ = os.Unsetenv("SNAPLOAD_ENV_FILE")
	_ = os.Unsetenv("HOME_ENV_KEY")

	LoadEnvFileCandidates()

	if got := os.Getenv("HOME_ENV_KEY"); got != "loaded" {
		t.Fatalf("expected HOME_ENV_KEY loaded from home env file, got %q", got)
	}
}

func TestTrimOptionalQuotes(t *testing.T) {
	cases := map[string]string{
		`"quoted"`: "quoted",
		`'single'`: "single",
		`bare`:     "bare",
		`"`:        `"`,
		``:         ``,
	}
	for in, want := range cases {
		if got := trimOptionalQuotes(in); got != want {
			t.Errorf("trimOptionalQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}
