package ota

import (
	"debug/elf"
	"errors"
	"runtime"
	"testing"
)

func TestELFVerifier(t *testing.T) {
	t.Parallel()

	v := ELFVerifier{Machine: elf.EM_AARCH64, Class: elf.ELFCLASS64}

	dyn := elfHeader(elf.ELFCLASS64, elf.EM_AARCH64)
	dyn[16] = byte(elf.ET_DYN)
	rel := elfHeader(elf.ELFCLASS64, elf.EM_AARCH64)
	rel[16] = byte(elf.ET_REL)
	badData := elfHeader(elf.ELFCLASS64, elf.EM_AARCH64)
	badData[elf.EI_DATA] = 9

	tests := []struct {
		name   string
		header []byte
		want   error
	}{
		{"exec for target", elfHeader(elf.ELFCLASS64, elf.EM_AARCH64), nil},
		{"pie for target", dyn, nil},
		{"other machine", elfHeader(elf.ELFCLASS64, elf.EM_X86_64), ErrWrongTarget},
		{"other word size", elfHeader(elf.ELFCLASS32, elf.EM_AARCH64), ErrWrongTarget},
		{"relocatable object", rel, ErrBadHeader},
		{"unknown byte order", badData, ErrBadHeader},
		{"not elf", []byte("#!/bin/sh\necho hello world, this is not a firmware image at all"), ErrBadHeader},
		{"too short", []byte{0x7f, 'E'}, ErrBadHeader},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := v.Verify(tc.header)
			if tc.want == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNativeELF(t *testing.T) {
	t.Parallel()

	v, err := NativeELF()
	if _, _, known := machineFor(runtime.GOARCH); !known {
		if err == nil {
			t.Error("want error for unknown GOARCH")
		}
		return
	}
	if err != nil {
		t.Fatal(err)
	}
	if v.Verify(elfHeader(v.Class, v.Machine)) != nil {
		t.Error("native header rejected")
	}
}

func TestParseChecksum(t *testing.T) {
	t.Parallel()

	md5hex := "d41d8cd98f00b204e9800998ecf8427e"
	shahex := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	tests := []struct {
		in       string
		wantAlgo string
		wantErr  bool
	}{
		{"", "", false},
		{md5hex, "md5", false},
		{"  " + md5hex + "\n", "md5", false},
		{"D41D8CD98F00B204E9800998ECF8427E", "md5", false},
		{"md5:" + md5hex, "md5", false},
		{shahex, "sha256", false},
		{"sha256:" + shahex, "sha256", false},
		{"sha256:" + md5hex, "", true},
		{"crc32:deadbeef", "", true},
		{"abcd", "", true},
		{"not-hex", "", true},
	}
	for _, tc := range tests {
		c, err := parseChecksum(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseChecksum(%q) err = %v", tc.in, err)
			continue
		}
		if c.algo != tc.wantAlgo {
			t.Errorf("parseChecksum(%q) algo = %q, want %q", tc.in, c.algo, tc.wantAlgo)
		}
	}
}
