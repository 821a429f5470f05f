package commands

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatterbox.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "chatterbox "+Version) {
		t.Errorf("output = %q", out)
	}

	out, err = runCmd(t, "version", "-v")
	if err != nil {
		t.Fatalf("version -v: %v", err)
	}
	if !strings.Contains(out, "go:") {
		t.Errorf("verbose output = %q", out)
	}
}

func TestPersonas(t *testing.T) {
	out, err := runCmd(t, "personas")
	if err != nil {
		t.Fatalf("personas: %v", err)
	}
	for _, want := range []string{"luna *", "cica", "sharky", "titi", "Kore", "Zephyr"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPersonas_FromConfig(t *testing.T) {
	path := writeConfig(t, `
session:
  persona: rex
personas:
  - id: rex
    name: Rex
    voice: Charon
    description: A very polite dinosaur.
`)
	out, err := runCmd(t, "--config", path, "personas")
	if err != nil {
		t.Fatalf("personas: %v", err)
	}
	if !strings.Contains(out, "rex *") || !strings.Contains(out, "A very polite dinosaur.") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigFlag_MissingFile(t *testing.T) {
	_, err := runCmd(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "personas")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestTalk_RequiresName(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_addr: \"off\"\n")
	_, err := runCmd(t, "--config", path, "talk")
	if !errors.Is(err, errNoName) {
		t.Errorf("err = %v, want errNoName", err)
	}
}

func TestTalk_RejectsInvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown persona", []string{"talk", "--name", "Ana", "--persona", "gandalf"}, "session.persona"},
		{"unknown output", []string{"talk", "--name", "Ana", "--output", "tape"}, "audio.output"},
		{"negative age", []string{"talk", "--name", "Ana", "--age", "-1"}, "session.user_age"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "server:\n  listen_addr: \"off\"\n")
			_, err := runCmd(t, append([]string{"--config", path}, tc.args...)...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want it to mention %s", err, tc.want)
			}
		})
	}
}
