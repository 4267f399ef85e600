//go:build linux

package watchdog

import (
	"os"
	"path/filepath"
	"testing"
)

// A regular file stands in for the character device; timeout 0 skips the
// ioctl.
func TestDeviceFeedRetriesLostDevice(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "watchdog")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := OpenDevice(path, 0)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	if err := d.Feed(); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := d.Disengage(); err != nil {
		t.Fatalf("Disengage: %v", err)
	}
	if err := d.Feed(); err != nil {
		t.Fatalf("Feed while disengaged: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := d.Engage(); err == nil {
		t.Fatal("Engage succeeded with the device gone")
	}
	for i := 0; i < 2; i++ {
		if err := d.Feed(); err == nil {
			t.Fatalf("Feed %d reported nil with no device open", i)
		}
	}

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := d.Feed(); err != nil {
		t.Fatalf("Feed after device returned: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\x00V" {
		t.Errorf("device saw %q, want keepalive then magic close", data)
	}
}
