package arm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.bug.st/serial"
)

// ErrNoPortFound is returned when no candidate serial port is present.
var ErrNoPortFound = fmt.Errorf("arm: no serial port found")

// DetectPort locates the serial device the arm is attached to. Stable
// /dev/serial/by-id symlinks are preferred since they survive re-enumeration;
// failing that, the first ttyACM or ttyUSB device wins.
func DetectPort() (string, error) {
	return detectPort("/dev/serial/by-id", serial.GetPortsList)
}

func detectPort(byIDDir string, listPorts func() ([]string, error)) (string, error) {
	if entries, err := os.ReadDir(byIDDir); err == nil {
		for _, e := range entries {
			full := filepath.Join(byIDDir, e.Name())
			resolved, err := filepath.EvalSymlinks(full)
			if err != nil {
				resolved = full
			}
			return resolved, nil
		}
	}

	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("enumerating serial ports: %w", err)
	}
	for _, p := range ports {
		base := filepath.Base(p)
		if strings.HasPrefix(base, "ttyACM") || strings.HasPrefix(base, "ttyUSB") {
			return p, nil
		}
	}
	return "", ErrNoPortFound
}
