package ota

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// checksum is an expected image digest. A zero checksum skips comparison.
type checksum struct {
	algo string
	want []byte
}

// parseChecksum accepts bare hex (32 chars MD5, 64 chars SHA-256) or an
// "md5:"/"sha256:" prefixed form.
func parseChecksum(s string) (checksum, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return checksum{}, nil
	}
	algo := ""
	if i := strings.IndexByte(s, ':'); i >= 0 {
		algo, s = s[:i], s[i+1:]
	}
	want, err := hex.DecodeString(s)
	if err != nil {
		return checksum{}, fmt.Errorf("checksum is not hex: %w", err)
	}
	switch {
	case algo == "" && len(want) == md5.Size, algo == "md5" && len(want) == md5.Size:
		return checksum{algo: "md5", want: want}, nil
	case algo == "" && len(want) == sha256.Size, algo == "sha256" && len(want) == sha256.Size:
		return checksum{algo: "sha256", want: want}, nil
	}
	return checksum{}, fmt.Errorf("unsupported checksum %q (%d bytes)", algo, len(want))
}

func (c checksum) empty() bool { return c.algo == "" }

func (c checksum) newHash() hash.Hash {
	if c.algo == "sha256" {
		return sha256.New()
	}
	return md5.New()
}

func (c checksum) String() string {
	if c.empty() {
		return ""
	}
	return c.algo + ":" + hex.EncodeToString(c.want)
}
