// Package pipewire streams through a PipeWire graph by running pw-cat for
// the data path and pw-link to discover nodes.
package pipewire

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const Name = "pipewire"

// DefaultDevice lets the session manager pick the target node
const DefaultDevice = "default"

// Backend opens PipeWire nodes through pw-cat
type Backend struct {
	// MediaName labels the stream in the graph
	MediaName string
	// listPorts is swapped in tests to avoid running pw-link
	listPorts func(dir audio.Direction) ([]string, error)
}

func New(mediaName string) *Backend {
	return &Backend{MediaName: mediaName, listPorts: listPorts}
}

func (b *Backend) Name() string {
	return Name
}

// listPorts returns the port names pw-link reports for one side of the
// graph: output ports feed captures, input ports take playback
func listPorts(dir audio.Direction) ([]string, error) {
	flag := "-o"
	if dir == audio.Playback {
		flag = "-i"
	}

	cmd := exec.Command("pw-link", flag)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// nodeName strips the port part of "node:port"
func nodeName(port string) string {
	if i := strings.LastIndex(port, ":"); i > 0 {
		return port[:i]
	}
	return port
}

// groupNodes turns a port list into ordered node names with their port counts
func groupNodes(ports []string) ([]string, map[string][]string) {
	var order []string
	byNode := map[string][]string{}
	for _, p := range ports {
		n := nodeName(p)
		if _, ok := byNode[n]; !ok {
			order = append(order, n)
		}
		byNode[n] = append(byNode[n], p)
	}
	return order, byNode
}

// findPortDuplicates returns every port in ports named exactly like port
func findPortDuplicates(port string, ports []string) []string {
	var duplicates []string
	for _, p := range ports {
		if p == port {
			duplicates = append(duplicates, p)
		}
	}
	return duplicates
}

// validateNode checks the node exists and that no two nodes share its
// name, which would make the pw-cat target ambiguous
func validateNode(node string, ports []string) error {
	if node == "" || node == DefaultDevice {
		return nil
	}

	_, byNode := groupNodes(ports)
	nodePorts, ok := byNode[node]
	if !ok {
		return fmt.Errorf("%w: node not found: %s", audio.ErrDeviceUnavailable, node)
	}

	for _, p := range nodePorts {
		if duplicates := findPortDuplicates(p, ports); len(duplicates) > 1 {
			return fmt.Errorf("%w: duplicate nodes detected for '%s': %v. Please close conflicting applications", audio.ErrDeviceUnavailable, node, duplicates)
		}
	}
	return nil
}

func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	outputs, err := b.listPorts(audio.Capture)
	if err != nil {
		return nil, err
	}
	inputs, err := b.listPorts(audio.Playback)
	if err != nil {
		return nil, err
	}

	devices := []audio.DeviceInfo{{ID: DefaultDevice, Description: "Session manager default", Capture: true, Playback: true}}
	index := map[string]int{}
	add := func(ports []string, capture bool) {
		order, byNode := groupNodes(ports)
		for _, n := range order {
			i, seen := index[n]
			if !seen {
				i = len(devices)
				index[n] = i
				devices = append(devices, audio.DeviceInfo{ID: n, Description: fmt.Sprintf("%d ports", len(byNode[n]))})
			}
			if capture {
				devices[i].Capture = true
			} else {
				devices[i].Playback = true
			}
		}
	}
	add(outputs, true)
	add(inputs, false)
	return devices, nil
}

func (b *Backend) Open(id string, dir audio.Direction) (audio.Stream, error) {
	if _, err := exec.LookPath("pw-cat"); err != nil {
		return nil, audio.NewBackendError(Name, "open", audio.ErrDeviceUnavailable, err)
	}

	if id != "" && id != DefaultDevice {
		ports, err := b.listPorts(dir)
		if err != nil {
			return nil, audio.NewBackendError(Name, "list ports", audio.ErrDeviceUnavailable, err)
		}
		if err := validateNode(id, ports); err != nil {
			return nil, err
		}
	}

	slog.Debug("PipeWire node selected", "node", id, "direction", dir)
	return &stream{id: id, dir: dir, media: b.MediaName}, nil
}
