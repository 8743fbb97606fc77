package backend

import (
	"testing"

	"github.com/audiolibrelab/pcmstream/internal/backend/null"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		want    Type
		wantErr bool
	}{
		{"", TypeAuto, false},
		{"auto", TypeAuto, false},
		{"ALSA", TypeALSA, false},
		{" pulse ", TypePulse, false},
		{"pipewire", TypePipeWire, false},
		{"null", TypeNull, false},
		{"jack", "", true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestNew_NamedBackends(t *testing.T) {
	for _, name := range []Type{TypeALSA, TypePulse, TypePipeWire, TypeNull} {
		b, err := New(string(name))
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if b.Name() != string(name) {
			t.Errorf("New(%s).Name() = %s", name, b.Name())
		}
	}

	if _, err := New("oss"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNew_AutoFallsBackToNull(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	t.Setenv("PULSE_SERVER", "")

	b, err := New("auto")
	if err != nil {
		t.Fatalf("New(auto): %v", err)
	}
	// /dev/snd may exist on the test host
	if b.Name() != null.Name && b.Name() != string(TypeALSA) {
		t.Errorf("auto selected %s without a sound server", b.Name())
	}
}
