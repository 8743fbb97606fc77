// Package backend selects and constructs the audio backend named in the
// configuration.
package backend

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/pcmstream/internal/audio"
	"github.com/audiolibrelab/pcmstream/internal/backend/alsa"
	"github.com/audiolibrelab/pcmstream/internal/backend/null"
	"github.com/audiolibrelab/pcmstream/internal/backend/pipewire"
	"github.com/audiolibrelab/pcmstream/internal/backend/pulse"
)

// Type represents the different audio backend types
type Type string

const (
	TypeALSA     Type = alsa.Name
	TypePulse    Type = pulse.Name
	TypePipeWire Type = pipewire.Name
	TypeNull     Type = null.Name
	TypeAuto     Type = "auto"
)

// AppName is announced to sound servers as the client and stream name
const AppName = "pcmstream"

// Types lists every selectable backend name
func Types() []Type {
	return []Type{TypeAuto, TypePipeWire, TypePulse, TypeALSA, TypeNull}
}

// Names lists the selectable backend names for messages
func Names() []string {
	types := Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// Valid reports whether name is exactly one of Types
func Valid(name string) bool {
	for _, t := range Types() {
		if Type(name) == t {
			return true
		}
	}
	return false
}

// Parse validates a backend name from config or flags
func Parse(name string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(name)))
	if t == "" {
		return TypeAuto, nil
	}
	if Valid(string(t)) {
		return t, nil
	}
	return "", fmt.Errorf("unsupported audio backend: %s (valid: %s)", name, strings.Join(Names(), ", "))
}

// New creates the backend for name, resolving "auto" against the host
func New(name string) (audio.Backend, error) {
	t, err := Parse(name)
	if err != nil {
		return nil, err
	}
	if t == TypeAuto {
		t = determineBackend()
		slog.Debug("Auto-selected audio backend", "backend", t)
	}

	switch t {
	case TypePipeWire:
		return pipewire.New(AppName), nil
	case TypePulse:
		return pulse.New(AppName), nil
	case TypeALSA:
		return alsa.New(), nil
	case TypeNull:
		return null.New(), nil
	}
	return nil, fmt.Errorf("unsupported audio backend: %s", t)
}

// determineBackend prefers a running sound server over raw hardware
func determineBackend() Type {
	if _, err := exec.LookPath("pw-cat"); err == nil && pipewireRunning() {
		return TypePipeWire
	}
	if pulseRunning() {
		return TypePulse
	}
	if _, err := os.Stat("/dev/snd"); err == nil {
		return TypeALSA
	}
	return TypeNull
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return fmt.Sprintf("/run/user/%d", os.Getuid())
}

func pipewireRunning() bool {
	_, err := os.Stat(filepath.Join(runtimeDir(), "pipewire-0"))
	return err == nil
}

func pulseRunning() bool {
	if os.Getenv("PULSE_SERVER") != "" {
		return true
	}
	_, err := os.Stat(filepath.Join(runtimeDir(), "pulse", "native"))
	return err == nil
}
