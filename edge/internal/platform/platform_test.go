package platform

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRestarterRecordsFirstReason(t *testing.T) {
	t.Parallel()

	r, err := NewRestarter(RestartExit, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Requested(); ok {
		t.Fatal("fresh restarter reports a request")
	}
	r.RequestRestart("failure ceiling")
	r.RequestRestart("ota applied")
	reason, ok := r.Requested()
	if !ok || reason != "failure ceiling" {
		t.Errorf("got %q %v", reason, ok)
	}
}

func TestRestarterExecute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mode      string
		rebootErr error
		wantExit  bool
	}{
		{name: "exit mode", mode: RestartExit, wantExit: true},
		{name: "reboot mode", mode: RestartReboot},
		{name: "reboot falls back to exit", mode: RestartReboot, rebootErr: errors.New("EPERM"), wantExit: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, _ := NewRestarter(tc.mode, nil)
			var synced, rebooted bool
			exitCode := -1
			r.flush = func() { synced = true }
			r.reboot = func() error { rebooted = true; return tc.rebootErr }
			r.exit = func(code int) { exitCode = code }

			if err := r.Execute(); err == nil {
				t.Fatal("Execute without request must fail")
			}
			r.RequestRestart("test")
			if err := r.Execute(); err != nil {
				t.Fatal(err)
			}
			if !synced {
				t.Error("filesystems not synced")
			}
			if rebooted != (tc.mode == RestartReboot) {
				t.Errorf("rebooted = %v", rebooted)
			}
			if tc.wantExit && exitCode != 75 {
				t.Errorf("exit code = %d", exitCode)
			}
			if !tc.wantExit && exitCode != -1 {
				t.Errorf("unexpected exit %d", exitCode)
			}
		})
	}

	if _, err := NewRestarter("halt", nil); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestClockOffset(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	c := &Clock{now: func() time.Time { return base }, step: setSystemTime}
	target := time.Unix(1_700_000_000, 0)
	if err := c.Set(target); err != nil {
		t.Fatal(err)
	}
	if !c.Now().Equal(target) {
		t.Errorf("Now = %v, want %v", c.Now(), target)
	}
}

func TestClockSystemStep(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	var stepped time.Time
	c := &Clock{setSystem: true, now: func() time.Time { return base }, step: func(t time.Time) error { stepped = t; return nil }}
	target := time.Unix(1_700_000_000, 0)
	if err := c.Set(target); err != nil {
		t.Fatal(err)
	}
	if !stepped.Equal(target) || c.Offset() != 0 {
		t.Errorf("stepped=%v offset=%v", stepped, c.Offset())
	}

	c.step = func(time.Time) error { return errors.New("EPERM") }
	if err := c.Set(target); err == nil {
		t.Error("want step error surfaced")
	}
	if !c.Now().Equal(target) {
		t.Error("offset fallback not applied")
	}
}

func TestDeviceIDFromInterfaces(t *testing.T) {
	t.Parallel()

	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagLoopback, HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 1}},
		{Name: "dummy0", HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 0}},
		{Name: "wlan0", HardwareAddr: net.HardwareAddr{0x24, 0x6f, 0x28, 0xab, 0xcd, 0xef}},
	}
	id, ok := deviceIDFromInterfaces(ifaces)
	if !ok || id != "dev-abcdef" {
		t.Errorf("got %q %v", id, ok)
	}
	if _, ok := deviceIDFromInterfaces(ifaces[:2]); ok {
		t.Error("loopback/zero MAC produced an id")
	}
	if id := DeviceID(); !strings.HasPrefix(id, "dev-") {
		t.Errorf("DeviceID() = %q", id)
	}
}

func TestFileProvisioner(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := FileProvisioner{
		Path:            filepath.Join(dir, "provision.yaml"),
		CredentialsPath: filepath.Join(dir, "wpa_supplicant.conf"),
	}
	ctx := context.Background()

	if _, ok, err := p.Poll(ctx); ok || err != nil {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	os.WriteFile(p.Path, []byte("device_id: dev-1\n"), 0o600)
	if _, ok, err := p.Poll(ctx); ok || err != nil {
		t.Fatalf("file without server_url: ok=%v err=%v", ok, err)
	}

	os.WriteFile(p.Path, []byte("server_url: \" http://10.0.0.2:8080 \"\napi_key: k1\n"), 0o600)
	got, ok, err := p.Poll(ctx)
	if err != nil || !ok {
		t.Fatalf("Poll: ok=%v err=%v", ok, err)
	}
	if got.ServerURL != "http://10.0.0.2:8080" || got.APIKey != "k1" {
		t.Errorf("got %+v", got)
	}

	os.WriteFile(p.Path, []byte("server_url: [unclosed"), 0o600)
	if _, _, err := p.Poll(ctx); err == nil {
		t.Error("want parse error")
	}

	os.WriteFile(p.CredentialsPath, []byte("network={}"), 0o600)
	if err := p.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{p.Path, p.CredentialsPath} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still present", path)
		}
	}
	if err := p.Reset(ctx); err != nil {
		t.Errorf("second Reset: %v", err)
	}
}
