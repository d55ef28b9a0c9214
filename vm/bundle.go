package vm

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Bundle: a packed archive of module binaries
// ---------------------------------------------------------------------------
//
//	"WRNB" | version u32 | build id (16 bytes, UUID) | u32 count
//	per module: u32 length + module binary
//	SHA-256 of everything above (32 bytes)
//
// Modules load incrementally, in archive order. Each module is itself
// all-or-nothing; a failing module aborts the rest of the bundle but
// already-loaded modules stay loaded (partial linking is resolved lazily
// through the import tables).

// BundleVersion is the current bundle container version.
const BundleVersion uint32 = 1

// WriteBundle packs module binaries into a bundle stamped with a fresh
// build id.
func WriteBundle(modules [][]byte) ([]byte, uuid.UUID, error) {
	buildID := uuid.New()
	var buf bytes.Buffer
	buf.WriteString("WRNB")
	writeU32(&buf, BundleVersion)
	buf.Write(buildID[:])
	writeU32(&buf, uint32(len(modules)))
	for _, m := range modules {
		writeU32(&buf, uint32(len(m)))
		buf.Write(m)
	}
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), buildID, nil
}

// LoadBundle loads every module in a bundle, returning them in archive
// order along with the bundle's build id.
func (m *Machine) LoadBundle(data []byte) ([]*Module, uuid.UUID, error) {
	var buildID uuid.UUID
	if len(data) < 4+4+16+4+sha256.Size {
		return nil, buildID, ErrBadBundle
	}
	body := data[:len(data)-sha256.Size]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[len(data)-sha256.Size:]) {
		return nil, buildID, fmt.Errorf("%w: checksum mismatch", ErrBadBundle)
	}

	r := &moduleReader{data: body}
	magic, _ := r.bytes(4)
	if string(magic) != "WRNB" {
		return nil, buildID, ErrBadBundle
	}
	version, err := r.u32()
	if err != nil || version != BundleVersion {
		return nil, buildID, fmt.Errorf("%w: unsupported version", ErrBadBundle)
	}
	idBytes, err := r.bytes(16)
	if err != nil {
		return nil, buildID, ErrBadBundle
	}
	copy(buildID[:], idBytes)
	count, err := r.u32()
	if err != nil {
		return nil, buildID, ErrBadBundle
	}

	mods := make([]*Module, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, buildID, ErrBadBundle
		}
		blob, err := r.bytes(int(size))
		if err != nil {
			return nil, buildID, ErrBadBundle
		}
		mod, err := m.LoadModule(blob)
		if err != nil {
			return mods, buildID, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		mods = append(mods, mod)
	}
	if r.remain() != 0 {
		return mods, buildID, ErrBadBundle
	}
	m.log.Infof("loaded bundle %s: %d modules", buildID, len(mods))
	return mods, buildID, nil
}
