package trigger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLongPress(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1_700_000_000, 0)
	at := func(d time.Duration) time.Time { return t0.Add(d) }

	type sample struct {
		at      time.Duration
		pressed bool
		want    bool
	}
	tests := []struct {
		name    string
		samples []sample
	}{
		{
			name: "released never fires",
			samples: []sample{
				{0, false, false}, {5 * time.Second, false, false}, {20 * time.Second, false, false},
			},
		},
		{
			name: "short press does not fire",
			samples: []sample{
				{0, true, false}, {9 * time.Second, true, false}, {9500 * time.Millisecond, false, false},
			},
		},
		{
			name: "fires once at hold",
			samples: []sample{
				{0, true, false}, {5 * time.Second, true, false}, {10 * time.Second, true, true},
				{11 * time.Second, true, false}, {30 * time.Second, true, false},
			},
		},
		{
			name: "release resets start",
			samples: []sample{
				{0, true, false}, {8 * time.Second, false, false},
				{9 * time.Second, true, false}, {17 * time.Second, true, false}, {19 * time.Second, true, true},
			},
		},
		{
			name: "second press fires again",
			samples: []sample{
				{0, true, false}, {10 * time.Second, true, true}, {11 * time.Second, false, false},
				{12 * time.Second, true, false}, {22 * time.Second, true, true},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			lp := NewLongPress(10 * time.Second)
			for i, s := range tc.samples {
				if got := lp.Update(at(s.at), s.pressed); got != s.want {
					t.Fatalf("sample %d (%v pressed=%v): got %v, want %v", i, s.at, s.pressed, got, s.want)
				}
			}
		})
	}
}

func TestLongPressHeldFor(t *testing.T) {
	t.Parallel()

	lp := NewLongPress(0)
	if lp.hold != DefaultHold {
		t.Fatalf("hold = %v, want default %v", lp.hold, DefaultHold)
	}
	t0 := time.Unix(100, 0)
	lp.Update(t0, true)
	if got := lp.HeldFor(t0.Add(3 * time.Second)); got != 3*time.Second {
		t.Errorf("HeldFor = %v", got)
	}
	lp.Update(t0.Add(4*time.Second), false)
	if got := lp.HeldFor(t0.Add(5 * time.Second)); got != 0 {
		t.Errorf("HeldFor after release = %v", got)
	}
}

func TestSysfsGPIO(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "gpio0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(v string) {
		if err := os.WriteFile(filepath.Join(dir, "value"), []byte(v), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	low := NewSysfsGPIO(root, 0, true)
	high := NewSysfsGPIO(root, 0, false)

	write("0\n")
	if p, err := low.Pressed(); err != nil || !p {
		t.Errorf("active-low at 0: pressed=%v err=%v", p, err)
	}
	if p, _ := high.Pressed(); p {
		t.Error("active-high at 0 reported pressed")
	}

	write("1\n")
	if p, _ := low.Pressed(); p {
		t.Error("active-low at 1 reported pressed")
	}
	if p, _ := high.Pressed(); !p {
		t.Error("active-high at 1 not pressed")
	}

	if _, err := NewSysfsGPIO(root, 7, true).Pressed(); err == nil {
		t.Error("want error for unexported line")
	}
}
