package arm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDetectPortPrefersByID(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "ttyACM0")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "byid")
	if err := os.Mkdir(link, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(link, "usb-uArm_Swift_Pro-if00")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got, err := detectPort(link, func() ([]string, error) { return nil, nil })
	if err != nil {
		t.Fatalf("detectPort failed: %v", err)
	}
	if got != target {
		t.Errorf("port = %q, want resolved symlink %q", got, target)
	}
}

func TestDetectPortFallsBackToEnumeration(t *testing.T) {
	got, err := detectPort(filepath.Join(t.TempDir(), "missing"), func() ([]string, error) {
		return []string{"/dev/ttyS0", "/dev/ttyUSB1"}, nil
	})
	if err != nil {
		t.Fatalf("detectPort failed: %v", err)
	}
	if got != "/dev/ttyUSB1" {
		t.Errorf("port = %q, want /dev/ttyUSB1", got)
	}
}

func TestDetectPortNoneFound(t *testing.T) {
	_, err := detectPort(filepath.Join(t.TempDir(), "missing"), func() ([]string, error) {
		return []string{"/dev/ttyS0"}, nil
	})
	if !errors.Is(err, ErrNoPortFound) {
		t.Errorf("error = %v, want ErrNoPortFound", err)
	}
}
