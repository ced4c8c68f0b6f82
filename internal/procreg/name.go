package procreg

import (
	"fmt"
	"strings"
)

// MaxNameLength bounds a logical profile name in bytes. The encoded form can
// be up to three times longer and must still fit a filename.
const MaxNameLength = 64

const hexDigits = "0123456789ABCDEF"

func keep(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

// EncodeName maps a profile name to a record identifier. Lower-case letters,
// digits, '_' and '-' are kept; every other byte becomes %XX. The mapping is
// injective, so "Bot" and "bot" never share a record.
func EncodeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLength)
	}

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if keep(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String(), nil
}

// DecodeName reverses EncodeName. Only canonical encodings are accepted.
func DecodeName(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidName)
	}

	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if keep(c) {
			out = append(out, c)
			continue
		}
		if c != '%' || i+2 >= len(id) {
			return "", fmt.Errorf("%w: bad identifier %q", ErrInvalidName, id)
		}
		hi, lo := unhex(id[i+1]), unhex(id[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("%w: bad escape in %q", ErrInvalidName, id)
		}
		v := byte(hi<<4 | lo)
		if keep(v) {
			return "", fmt.Errorf("%w: non-canonical escape in %q", ErrInvalidName, id)
		}
		out = append(out, v)
		i += 2
	}
	if len(out) > MaxNameLength {
		return "", fmt.Errorf("%w: decoded name too long", ErrInvalidName)
	}
	return string(out), nil
}

// unhex accepts upper-case digits only, matching EncodeName's output.
func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
