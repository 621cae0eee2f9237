// Package mft implements the application manifest: the statically compiled
// list of device names and types an application is permitted to acquire.
// The binary layout is fixed: a little-endian u32 version and u32 entry
// count followed by fixed-size entries, each a NUL-padded 68-byte name and
// a u32 type tag.
package mft

import (
	"errors"
	"fmt"
)

const (
	// Version is the only manifest ABI version this package understands.
	Version = 1

	// MaxEntries bounds the number of devices a manifest may declare.
	MaxEntries = 64

	// NameSize is the size of the name field: 67 characters plus a NUL.
	NameSize = 68

	// MaxNameLen is the longest permitted device name.
	MaxNameLen = NameSize - 1
)

const (
	headerSize = 8
	entrySize  = NameSize + 4
)

var (
	ErrVersion   = errors.New("mft: unsupported manifest version")
	ErrEntries   = errors.New("mft: too many entries")
	ErrName      = errors.New("mft: invalid device name")
	ErrType      = errors.New("mft: unknown device type")
	ErrTruncated = errors.New("mft: truncated manifest")
)

// Type tags a manifest entry with its device class.
type Type uint32

const (
	BlockBasic Type = iota + 1
	NetBasic
)

func (t Type) String() string {
	switch t {
	case BlockBasic:
		return "BLOCK_BASIC"

	case NetBasic:
		return "NET_BASIC"

	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// ParseType maps a type tag's string form back to its value.
func ParseType(s string) (Type, error) {
	switch s {
	case "BLOCK_BASIC":
		return BlockBasic, nil

	case "NET_BASIC":
		return NetBasic, nil

	default:
		return 0, fmt.Errorf("%w: %q", ErrType, s)
	}
}

// Entry declares one device the application may acquire.
type Entry struct {
	Name string
	Type Type
}

// Manifest is the application manifest.
type Manifest struct {
	Version uint32
	Entries []Entry
}

// Validate checks the manifest against the ABI: supported version, bounded
// entry count, representable names, known types.
func (m *Manifest) Validate() error {
	if m.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, m.Version)
	}

	if len(m.Entries) > MaxEntries {
		return fmt.Errorf("%w: %d > %d", ErrEntries, len(m.Entries), MaxEntries)
	}

	for i, e := range m.Entries {
		if e.Name == "" || len(e.Name) > MaxNameLen {
			return fmt.Errorf("%w: entry %d: %q", ErrName, i, e.Name)
		}

		switch e.Type {
		case BlockBasic, NetBasic:

		default:
			return fmt.Errorf("%w: entry %d: %d", ErrType, i, e.Type)
		}
	}

	return nil
}

// GetByName looks up a device by name and required type tag. The returned
// index identifies the entry and doubles as the device's handle value.
func (m *Manifest) GetByName(name string, typ Type) (index int, ok bool) {
	for i, e := range m.Entries {
		if e.Type == typ && e.Name == name {
			return i, true
		}
	}

	return 0, false
}
