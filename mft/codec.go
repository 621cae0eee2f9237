package mft

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

var le = binary.LittleEndian

// MarshalBinary encodes the manifest in its fixed binary layout. The
// manifest must validate first.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+entrySize*len(m.Entries))
	le.PutUint32(out, m.Version)
	le.PutUint32(out[4:], uint32(len(m.Entries)))

	for i, e := range m.Entries {
		rec := out[headerSize+i*entrySize:]
		copy(rec[:NameSize], e.Name) // NUL padding comes from the fresh slice
		le.PutUint32(rec[NameSize:], uint32(e.Type))
	}

	return out, nil
}

// UnmarshalBinary decodes and validates a manifest in its binary layout.
func (m *Manifest) UnmarshalBinary(p []byte) error {
	if len(p) < headerSize {
		return fmt.Errorf("%w: %d bytes", ErrTruncated, len(p))
	}

	version := le.Uint32(p)
	count := le.Uint32(p[4:])

	if count > MaxEntries {
		return fmt.Errorf("%w: %d > %d", ErrEntries, count, MaxEntries)
	}

	if len(p) != headerSize+int(count)*entrySize {
		return fmt.Errorf("%w: %d bytes for %d entries", ErrTruncated, len(p), count)
	}

	entries := make([]Entry, count)
	for i := range entries {
		rec := p[headerSize+i*entrySize:]

		name := rec[:NameSize]
		if j := bytes.IndexByte(name, 0); j >= 0 {
			name = name[:j]
		} else {
			return fmt.Errorf("%w: entry %d: name is not NUL-terminated", ErrName, i)
		}

		entries[i] = Entry{
			Name: string(name),
			Type: Type(le.Uint32(rec[NameSize:])),
		}
	}

	out := Manifest{Version: version, Entries: entries}
	if err := out.Validate(); err != nil {
		return err
	}

	*m = out
	return nil
}

// jsonManifest is the compiler's input document. Unknown keys are rejected
// at every level.
type jsonManifest struct {
	Version *uint32      `json:"version"`
	Devices []jsonDevice `json:"devices"`
}

type jsonDevice struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ReadJSON parses the manifest's JSON source form:
//
//	{"version": 1, "devices": [{"name": "net0", "type": "NET_BASIC"}, ...]}
//
// It rejects unknown keys, unsupported versions, unknown types, overlong
// names and entry counts over the maximum.
func ReadJSON(r io.Reader) (*Manifest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var doc jsonManifest
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("mft: parse JSON: %w", err)
	}

	if doc.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrVersion)
	}

	m := &Manifest{Version: *doc.Version}
	for i, d := range doc.Devices {
		typ, err := ParseType(d.Type)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}

		m.Entries = append(m.Entries, Entry{Name: d.Name, Type: typ})
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// WriteJSON emits the manifest in its JSON source form.
func (m *Manifest) WriteJSON(w io.Writer) error {
	doc := jsonManifest{Version: &m.Version}
	for _, e := range m.Entries {
		doc.Devices = append(doc.Devices, jsonDevice{Name: e.Name, Type: e.Type.String()})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
