package vm

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Module binary format
// ---------------------------------------------------------------------------
//
//	"WREN" | version u32 | name (u16 len + bytes)
//	sections, in order, each "XXXX" tag + u32 length + payload:
//	  "ATOM"  u32 count, then u16 len + bytes per atom
//	  "LITS"  canonical CBOR array of Terms
//	  "CODE"  instruction stream
//	  "FUNS"  u32 count, then u16 name-atom, u8 arity, u8 nlocals,
//	          u32 entry, u8 flags (bit0 = exported)
//	  "IMPT"  u32 count, then u16 module-atom, u16 fn-atom, u8 arity
//	SHA-256 of everything above (32 bytes)
//
// All integers are big-endian. Loading is all-or-nothing: any validation
// failure rejects the whole module and leaves the machine unchanged
// except for atoms already interned (the atom table is append-only and
// interning is idempotent, so this is harmless).

var sectionOrder = [5]string{"ATOM", "LITS", "CODE", "FUNS", "IMPT"}

type moduleReader struct {
	data   []byte
	offset int
}

func (r *moduleReader) remain() int { return len(r.data) - r.offset }

func (r *moduleReader) bytes(n int) ([]byte, error) {
	if r.remain() < n {
		return nil, ErrCorruptModule
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *moduleReader) u8() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *moduleReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *moduleReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *moduleReader) str16() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// rawModule is the parsed but not yet linked form of a module binary.
type rawModule struct {
	name     string
	atoms    []string
	literals []Term
	code     []byte
	funcs    []rawFunc
	imports  []rawImport
}

type rawFunc struct {
	nameIdx  uint16
	arity    byte
	nlocals  byte
	entry    uint32
	exported bool
}

type rawImport struct {
	modIdx uint16
	fnIdx  uint16
	arity  byte
}

// parseModule validates integrity and structure of a module binary.
func parseModule(data []byte) (*rawModule, error) {
	if len(data) < 4+4+2+sha256.Size {
		return nil, ErrCorruptModule
	}

	// Integrity first: the trailer covers everything before it.
	body := data[:len(data)-sha256.Size]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[len(data)-sha256.Size:]) {
		return nil, ErrChecksumMismatch
	}

	r := &moduleReader{data: body}
	magic, _ := r.bytes(4)
	if string(magic) != "WREN" {
		return nil, ErrBadMagic
	}
	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if version != ModuleVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, ModuleVersion)
	}

	raw := &rawModule{}
	if raw.name, err = r.str16(); err != nil {
		return nil, err
	}

	for _, want := range sectionOrder {
		tag, err := r.bytes(4)
		if err != nil {
			return nil, err
		}
		if string(tag) != want {
			return nil, fmt.Errorf("%w: expected %s section, got %q", ErrBadSection, want, tag)
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		if err := raw.parseSection(want, payload); err != nil {
			return nil, err
		}
	}
	if r.remain() != 0 {
		return nil, ErrCorruptModule
	}

	if err := validateCode(raw.code); err != nil {
		return nil, err
	}
	for _, f := range raw.funcs {
		if int(f.entry) >= len(raw.code) {
			return nil, ErrBadEntry
		}
		if int(f.nameIdx) >= len(raw.atoms) {
			return nil, ErrBadSection
		}
		if f.nlocals < f.arity {
			return nil, ErrBadSection
		}
	}
	for _, imp := range raw.imports {
		if int(imp.modIdx) >= len(raw.atoms) || int(imp.fnIdx) >= len(raw.atoms) {
			return nil, ErrBadSection
		}
	}
	for _, lit := range raw.literals {
		if !literalOK(lit) {
			return nil, ErrBadLiteral
		}
	}
	return raw, nil
}

func (raw *rawModule) parseSection(tag string, payload []byte) error {
	r := &moduleReader{data: payload}
	switch tag {
	case "ATOM":
		count, err := r.u32()
		if err != nil {
			return err
		}
		raw.atoms = make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			name, err := r.str16()
			if err != nil {
				return err
			}
			raw.atoms = append(raw.atoms, name)
		}
	case "LITS":
		lits, err := decodeLiterals(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSection, err)
		}
		raw.literals = lits
		return nil
	case "CODE":
		raw.code = payload
		return nil
	case "FUNS":
		count, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			var f rawFunc
			if f.nameIdx, err = r.u16(); err != nil {
				return err
			}
			if f.arity, err = r.u8(); err != nil {
				return err
			}
			if f.nlocals, err = r.u8(); err != nil {
				return err
			}
			if f.entry, err = r.u32(); err != nil {
				return err
			}
			flags, err := r.u8()
			if err != nil {
				return err
			}
			f.exported = flags&1 != 0
			raw.funcs = append(raw.funcs, f)
		}
	case "IMPT":
		count, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			var imp rawImport
			if imp.modIdx, err = r.u16(); err != nil {
				return err
			}
			if imp.fnIdx, err = r.u16(); err != nil {
				return err
			}
			if imp.arity, err = r.u8(); err != nil {
				return err
			}
			raw.imports = append(raw.imports, imp)
		}
	}
	if r.remain() != 0 {
		return ErrBadSection
	}
	return nil
}

// LoadModule parses, links and registers a module binary. Atoms are
// interned into the global table and literals are materialized into the
// shared literal arena; both side effects survive the whole runtime.
func (m *Machine) LoadModule(data []byte) (*Module, error) {
	raw, err := parseModule(data)
	if err != nil {
		return nil, err
	}

	m.modMu.Lock()
	defer m.modMu.Unlock()
	if _, ok := m.modByName[raw.name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, raw.name)
	}

	mod := &Module{
		Name:    raw.name,
		id:      len(m.modules),
		Code:    raw.code,
		exports: make(map[funcKey]int),
	}
	mod.Atoms = make([]AtomID, len(raw.atoms))
	for i, name := range raw.atoms {
		mod.Atoms[i] = m.atoms.Intern(name)
	}
	mod.Literals = make([]Value, len(raw.literals))
	for i, lit := range raw.literals {
		v, err := m.lits.Import(lit)
		if err != nil {
			return nil, fmt.Errorf("materialize literal %d: %w", i, err)
		}
		mod.Literals[i] = v
	}
	for _, f := range raw.funcs {
		fi := FuncInfo{
			Name:     mod.Atoms[f.nameIdx],
			Arity:    int(f.arity),
			NLocals:  int(f.nlocals),
			Entry:    int(f.entry),
			Exported: f.exported,
		}
		if fi.Exported {
			mod.exports[funcKey{fi.Name, fi.Arity}] = len(mod.Funcs)
		}
		mod.Funcs = append(mod.Funcs, fi)
	}
	for _, imp := range raw.imports {
		mod.Imports = append(mod.Imports, &ImportInfo{
			Module: mod.Atoms[imp.modIdx],
			Name:   mod.Atoms[imp.fnIdx],
			Arity:  int(imp.arity),
		})
	}

	m.modules = append(m.modules, mod)
	m.modByName[mod.Name] = mod
	m.modByAtom[m.atoms.Intern(mod.Name)] = mod
	m.log.Infof("loaded module %s: %d functions, %d literals, %d code bytes",
		mod.Name, len(mod.Funcs), len(mod.Literals), len(mod.Code))
	return mod, nil
}

// ModuleByName returns a loaded module.
func (m *Machine) ModuleByName(name string) (*Module, bool) {
	m.modMu.RLock()
	defer m.modMu.RUnlock()
	mod, ok := m.modByName[name]
	return mod, ok
}

func (m *Machine) moduleByID(id int) *Module {
	m.modMu.RLock()
	defer m.modMu.RUnlock()
	if id < 0 || id >= len(m.modules) {
		return nil
	}
	return m.modules[id]
}

func (m *Machine) moduleByAtom(name AtomID) *Module {
	m.modMu.RLock()
	defer m.modMu.RUnlock()
	return m.modByAtom[name]
}
