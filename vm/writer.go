package vm

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// ModuleBuilder: assembles a module binary
// ---------------------------------------------------------------------------

// ModuleBuilder produces module binaries in the loader's format. It is
// the write side of the format used by build tooling and by tests.
type ModuleBuilder struct {
	name    string
	atoms   []string
	atomIdx map[string]uint16
	lits    []Term
	code    []byte
	funcs   []rawFunc
	imports []rawImport
	fixups  []fixup
}

type fixup struct {
	pos   int
	label *Label
}

// Label marks a code position for jump targets.
type Label struct {
	pos   int
	bound bool
}

// NewModuleBuilder creates a builder for a module with the given name.
func NewModuleBuilder(name string) *ModuleBuilder {
	return &ModuleBuilder{
		name:    name,
		atomIdx: make(map[string]uint16),
	}
}

// Atom interns name into the module atom table, returning its index.
func (b *ModuleBuilder) Atom(name string) uint16 {
	if idx, ok := b.atomIdx[name]; ok {
		return idx
	}
	idx := uint16(len(b.atoms))
	b.atoms = append(b.atoms, name)
	b.atomIdx[name] = idx
	return idx
}

// Literal appends a term to the literal table, returning its index.
func (b *ModuleBuilder) Literal(t Term) uint16 {
	b.lits = append(b.lits, t)
	return uint16(len(b.lits) - 1)
}

// Import adds an external call target, returning its import index.
func (b *ModuleBuilder) Import(module, fn string, arity int) uint16 {
	b.imports = append(b.imports, rawImport{
		modIdx: b.Atom(module),
		fnIdx:  b.Atom(fn),
		arity:  byte(arity),
	})
	return uint16(len(b.imports) - 1)
}

// Func starts a new function at the current code position. Instructions
// emitted on the builder from here until the next Func call belong to it.
func (b *ModuleBuilder) Func(name string, arity, nlocals int, exported bool) int {
	f := rawFunc{
		nameIdx:  b.Atom(name),
		arity:    byte(arity),
		nlocals:  byte(nlocals),
		entry:    uint32(len(b.code)),
		exported: exported,
	}
	b.funcs = append(b.funcs, f)
	return len(b.funcs) - 1
}

// ---------------------------------------------------------------------------
// Instruction emission
// ---------------------------------------------------------------------------

// Op emits an opcode byte.
func (b *ModuleBuilder) Op(op Opcode) *ModuleBuilder {
	b.code = append(b.code, byte(op))
	return b
}

// U8 emits an 8-bit operand.
func (b *ModuleBuilder) U8(v int) *ModuleBuilder {
	b.code = append(b.code, byte(v))
	return b
}

// U16 emits a 16-bit big-endian operand.
func (b *ModuleBuilder) U16(v int) *ModuleBuilder {
	b.code = append(b.code, byte(v>>8), byte(v))
	return b
}

// I32 emits a 32-bit big-endian operand.
func (b *ModuleBuilder) I32(v int32) *ModuleBuilder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	b.code = append(b.code, buf[:]...)
	return b
}

// F64 emits an inline float64 operand.
func (b *ModuleBuilder) F64(v float64) *ModuleBuilder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	b.code = append(b.code, buf[:]...)
	return b
}

// NewLabel creates an unbound label.
func (b *ModuleBuilder) NewLabel() *Label {
	return &Label{}
}

// Mark binds a label to the current code position.
func (b *ModuleBuilder) Mark(l *Label) *ModuleBuilder {
	l.pos = len(b.code)
	l.bound = true
	return b
}

// Target emits a 16-bit jump target, fixed up at Build time.
func (b *ModuleBuilder) Target(l *Label) *ModuleBuilder {
	b.fixups = append(b.fixups, fixup{pos: len(b.code), label: l})
	b.code = append(b.code, 0, 0)
	return b
}

// Here returns the current code offset.
func (b *ModuleBuilder) Here() int { return len(b.code) }

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Build assembles the module binary.
func (b *ModuleBuilder) Build() ([]byte, error) {
	for _, f := range b.fixups {
		if !f.label.bound {
			return nil, fmt.Errorf("unbound label referenced at code offset %d", f.pos)
		}
		binary.BigEndian.PutUint16(b.code[f.pos:], uint16(f.label.pos))
	}
	if len(b.code) > 0xFFFF {
		return nil, ErrCodeTooLarge
	}

	var buf bytes.Buffer
	buf.WriteString("WREN")
	writeU32(&buf, ModuleVersion)
	writeStr16(&buf, b.name)

	// ATOM
	var atoms bytes.Buffer
	writeU32(&atoms, uint32(len(b.atoms)))
	for _, a := range b.atoms {
		writeStr16(&atoms, a)
	}
	writeSection(&buf, "ATOM", atoms.Bytes())

	// LITS
	lits, err := encodeLiterals(b.lits)
	if err != nil {
		return nil, fmt.Errorf("encode literals: %w", err)
	}
	writeSection(&buf, "LITS", lits)

	// CODE
	writeSection(&buf, "CODE", b.code)

	// FUNS
	var funcs bytes.Buffer
	writeU32(&funcs, uint32(len(b.funcs)))
	for _, f := range b.funcs {
		writeU16(&funcs, f.nameIdx)
		funcs.WriteByte(f.arity)
		funcs.WriteByte(f.nlocals)
		writeU32(&funcs, f.entry)
		var flags byte
		if f.exported {
			flags |= 1
		}
		funcs.WriteByte(flags)
	}
	writeSection(&buf, "FUNS", funcs.Bytes())

	// IMPT
	var imps bytes.Buffer
	writeU32(&imps, uint32(len(b.imports)))
	for _, imp := range b.imports {
		writeU16(&imps, imp.modIdx)
		writeU16(&imps, imp.fnIdx)
		imps.WriteByte(imp.arity)
	}
	writeSection(&buf, "IMPT", imps.Bytes())

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeStr16(buf *bytes.Buffer, s string) {
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func writeSection(buf *bytes.Buffer, tag string, payload []byte) {
	buf.WriteString(tag)
	writeU32(buf, uint32(len(payload)))
	buf.Write(payload)
}
