package ota

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"runtime"
)

// HeaderSize is how many leading image bytes a HeaderVerifier receives.
const HeaderSize = 64

// HeaderVerifier inspects the start of an image before anything is written
// to the inactive slot. It returns ErrBadHeader or ErrWrongTarget (possibly
// wrapped) to reject the image.
type HeaderVerifier interface {
	Verify(header []byte) error
}

// AnyImage accepts every header.
type AnyImage struct{}

func (AnyImage) Verify([]byte) error { return nil }

// ELFVerifier accepts ELF executables for one machine and word size.
type ELFVerifier struct {
	Machine elf.Machine
	Class   elf.Class
}

// NativeELF returns a verifier for the architecture this agent was built for.
func NativeELF() (ELFVerifier, error) {
	m, c, ok := machineFor(runtime.GOARCH)
	if !ok {
		return ELFVerifier{}, fmt.Errorf("no ELF machine known for GOARCH %s", runtime.GOARCH)
	}
	return ELFVerifier{Machine: m, Class: c}, nil
}

func machineFor(goarch string) (elf.Machine, elf.Class, bool) {
	switch goarch {
	case "amd64":
		return elf.EM_X86_64, elf.ELFCLASS64, true
	case "386":
		return elf.EM_386, elf.ELFCLASS32, true
	case "arm64":
		return elf.EM_AARCH64, elf.ELFCLASS64, true
	case "arm":
		return elf.EM_ARM, elf.ELFCLASS32, true
	case "riscv64":
		return elf.EM_RISCV, elf.ELFCLASS64, true
	case "mips", "mipsle":
		return elf.EM_MIPS, elf.ELFCLASS32, true
	case "mips64", "mips64le":
		return elf.EM_MIPS, elf.ELFCLASS64, true
	case "ppc64", "ppc64le":
		return elf.EM_PPC64, elf.ELFCLASS64, true
	case "s390x":
		return elf.EM_S390, elf.ELFCLASS64, true
	case "loong64":
		return elf.EM_LOONGARCH, elf.ELFCLASS64, true
	}
	return 0, 0, false
}

// Verify parses e_ident and e_machine. debug/elf.NewFile needs the section
// table, which lives at the end of the image, so only the fixed header is
// decoded here.
func (v ELFVerifier) Verify(header []byte) error {
	if len(header) < 20 || !bytes.Equal(header[:4], []byte(elf.ELFMAG)) {
		return ErrBadHeader
	}
	if elf.Version(header[elf.EI_VERSION]) != elf.EV_CURRENT {
		return fmt.Errorf("%w: ELF version %d", ErrBadHeader, header[elf.EI_VERSION])
	}

	var order binary.ByteOrder
	switch elf.Data(header[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return fmt.Errorf("%w: byte order %d", ErrBadHeader, header[elf.EI_DATA])
	}

	typ := elf.Type(order.Uint16(header[16:18]))
	if typ != elf.ET_EXEC && typ != elf.ET_DYN {
		return fmt.Errorf("%w: not an executable (%s)", ErrBadHeader, typ)
	}

	class := elf.Class(header[elf.EI_CLASS])
	machine := elf.Machine(order.Uint16(header[18:20]))
	if machine != v.Machine || class != v.Class {
		return fmt.Errorf("%w: %s/%s, want %s/%s", ErrWrongTarget, machine, class, v.Machine, v.Class)
	}
	return nil
}
