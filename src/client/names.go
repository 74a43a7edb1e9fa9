package client

import (
	"fmt"
	"strings"
)

// SaveName reduces a server-supplied name to a bare file name. Everything up
// to the last '/' or '\' is dropped so a restore can never leave the restore
// directory.
func SaveName(name string) (string, error) {
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	switch base {
	case "", ".", "..":
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	if strings.IndexByte(base, 0) >= 0 {
		return "", fmt.Errorf("%w: %q contains NUL", ErrUnsafeName, name)
	}
	return base, nil
}

// ParseListing splits a list payload into file names, one per line. Trailing
// whitespace and CR line endings are dropped.
func ParseListing(raw []byte) ([]string, error) {
	for i, b := range raw {
		if b > 0x7f {
			return nil, fmt.Errorf("%w: byte 0x%02x at offset %d", ErrListing, b, i)
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines, nil
}
