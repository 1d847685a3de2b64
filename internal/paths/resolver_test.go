package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	r := New(map[string]string{
		"config": "/etc/botodachi",
		"data":   "/var/lib/botodachi",
	})

	tests := []struct {
		name string
		path string
		want string
	}{
		{"config prefix", "config:persona.md", filepath.Join("/etc/botodachi", "persona.md")},
		{"data nested", "data:logs/botodachi.log", filepath.Join("/var/lib/botodachi", "logs", "botodachi.log")},
		{"bare prefix", "data:", "/var/lib/botodachi"},
		{"absolute unchanged", "/srv/persona.md", "/srv/persona.md"},
		{"relative unchanged", "persona.md", "persona.md"},
		{"empty unchanged", "", ""},
		{"unknown prefix", "vault:persona.md", "vault:persona.md"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_PrefixIsWholeName(t *testing.T) {
	r := New(map[string]string{
		"data":     "/short",
		"database": "/long",
	})
	tests := map[string]string{
		"database:x.db": filepath.Join("/long", "x.db"),
		"data:x.db":     filepath.Join("/short", "x.db"),
		"dat:x.db":      "dat:x.db",
		"data:a:b":      filepath.Join("/short", "a:b"),
	}
	for in, want := range tests {
		if got := r.Resolve(in); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolve_NilReceiver(t *testing.T) {
	var r *Resolver
	if got := r.Resolve("config:persona.md"); got != "config:persona.md" {
		t.Errorf("nil Resolve = %q, want unchanged", got)
	}
	if got := r.Prefixes(); got != nil {
		t.Errorf("nil Prefixes() = %v, want nil", got)
	}
}

func TestNew_EmptyMap(t *testing.T) {
	if r := New(nil); r != nil {
		t.Error("New(nil) should return nil")
	}
	if r := New(map[string]string{}); r != nil {
		t.Error("New(empty) should return nil")
	}
}

func TestPrefixes(t *testing.T) {
	r := New(map[string]string{"data": "/d", "config:": "/c"})
	got := r.Prefixes()
	if len(got) != 2 || got[0] != "config" || got[1] != "data" {
		t.Errorf("Prefixes() = %v, want [config data]", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"~", home},
		{"~/botodachi", filepath.Join(home, "botodachi")},
		{"~other/x", "~other/x"},
		{"/abs", "/abs"},
		{"rel", "rel"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.path); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	r := New(map[string]string{"data": "~/data"})
	if got := r.Resolve("data:usage.db"); got != filepath.Join(home, "data", "usage.db") {
		t.Errorf("tilde in base not expanded: %q", got)
	}
	var nilR *Resolver
	if got := nilR.Resolve("~/persona.md"); got != filepath.Join(home, "persona.md") {
		t.Errorf("nil Resolve did not expand ~: %q", got)
	}
}
