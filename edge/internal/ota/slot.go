package ota

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Flash hands out the partition an update should be written to.
type Flash interface {
	// NextUpdate returns the inactive partition, or ErrNoPartition.
	NextUpdate() (Partition, error)
}

// Partition is one update target.
type Partition interface {
	Name() string
	// Capacity is the largest image the partition can take.
	Capacity() (int64, error)
	// Begin starts a fresh write. Nothing is visible to the bootloader until
	// the returned Writer is committed and SetBoot is called.
	Begin() (Writer, error)
	// Validate re-checks the committed image before it is made bootable.
	Validate() error
	// SetBoot makes this partition the one booted next.
	SetBoot() error
}

// Writer receives image bytes. Exactly one of Commit or Abort must be called.
type Writer interface {
	io.Writer
	Commit() error
	Abort() error
}

const (
	imageName   = "firmware.bin"
	sizeName    = "firmware.size"
	currentLink = "current"
)

// SlotFlash is an A/B layout on a filesystem:
//
//	<root>/slots/a/firmware.bin
//	<root>/slots/b/firmware.bin
//	<root>/current -> slots/a
//
// The service manager executes <root>/current/firmware.bin. SetBoot swaps the
// current symlink with a rename, which is atomic on POSIX filesystems.
type SlotFlash struct {
	root    string
	maxSize int64 // 0 = limited only by free space
}

// NewSlotFlash prepares root. When no slot is current yet, slot a is marked
// current so a first update lands in b.
func NewSlotFlash(root string, maxSize int64) (*SlotFlash, error) {
	for _, s := range []string{"a", "b"} {
		if err := os.MkdirAll(filepath.Join(root, "slots", s), 0o755); err != nil {
			return nil, fmt.Errorf("create slot %s: %w", s, err)
		}
	}
	f := &SlotFlash{root: root, maxSize: maxSize}
	if _, err := f.Running(); err != nil {
		if err := f.point("a"); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Running returns the name of the current slot.
func (f *SlotFlash) Running() (string, error) {
	target, err := os.Readlink(filepath.Join(f.root, currentLink))
	if err != nil {
		return "", err
	}
	name := filepath.Base(target)
	if name != "a" && name != "b" {
		return "", fmt.Errorf("current points at unknown slot %q", target)
	}
	return name, nil
}

func (f *SlotFlash) NextUpdate() (Partition, error) {
	running, err := f.Running()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPartition, err)
	}
	next := "b"
	if running == "b" {
		next = "a"
	}
	dir := filepath.Join(f.root, "slots", next)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: slot %s missing", ErrNoPartition, next)
	}
	return &slot{flash: f, name: next, dir: dir}, nil
}

// point atomically retargets the current symlink to slot name.
func (f *SlotFlash) point(name string) error {
	link := filepath.Join(f.root, currentLink)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(filepath.Join("slots", name), tmp); err != nil {
		return fmt.Errorf("symlink %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("activate slot %s: %w", name, err)
	}
	return syncDir(f.root)
}

type slot struct {
	flash *SlotFlash
	name  string
	dir   string
}

func (s *slot) Name() string { return s.name }

func (s *slot) Capacity() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	// The old image in this slot is replaced, so its blocks count as free.
	if fi, err := os.Stat(filepath.Join(s.dir, imageName)); err == nil {
		free += fi.Size()
	}
	if s.flash.maxSize > 0 && s.flash.maxSize < free {
		return s.flash.maxSize, nil
	}
	return free, nil
}

func (s *slot) Begin() (Writer, error) {
	tmp := filepath.Join(s.dir, imageName+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tmp, err)
	}
	return &slotWriter{slot: s, f: f, tmp: tmp}, nil
}

func (s *slot) Validate() error {
	fi, err := os.Stat(filepath.Join(s.dir, imageName))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoPartition, err)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, sizeName))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoPartition, err)
	}
	want, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || want != fi.Size() {
		return fmt.Errorf("%w: slot %s holds %d bytes, committed %s", ErrNoPartition, s.name, fi.Size(), raw)
	}
	running, err := s.flash.Running()
	if err == nil && running == s.name {
		return fmt.Errorf("%w: slot %s is running", ErrNoPartition, s.name)
	}
	return nil
}

func (s *slot) SetBoot() error {
	return s.flash.point(s.name)
}

type slotWriter struct {
	slot    *slot
	f       *os.File
	tmp     string
	written int64
	done    bool
}

func (w *slotWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *slotWriter) Commit() error {
	if w.done {
		return errors.New("writer already finished")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmp)
		return fmt.Errorf("sync image: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("close image: %w", err)
	}
	sizeFile := filepath.Join(w.slot.dir, sizeName)
	if err := os.WriteFile(sizeFile, []byte(strconv.FormatInt(w.written, 10)), 0o644); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("write size: %w", err)
	}
	if err := os.Rename(w.tmp, filepath.Join(w.slot.dir, imageName)); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("install image: %w", err)
	}
	return syncDir(w.slot.dir)
}

func (w *slotWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
