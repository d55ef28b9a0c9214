package vm

import (
	"math"
)

// Value represents a Wren term using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - SmallInt: Quiet NaN + tagInt + 48-bit signed payload
//   - Boxed: Quiet NaN + tagBoxed + arena bit + 47-bit heap slot index
//   - Atom: Quiet NaN + tagAtom + interned atom ID
//   - Pid: Quiet NaN + tagPid + process ID
//   - Port: Quiet NaN + tagPort + port ID
//   - Special: Quiet NaN + tagSpecial + special value ID (nil)
//
// Boxed values never carry a machine pointer: the payload is a slot index
// into either the owning process's heap or, when the literal bit is set,
// the shared literal arena. The collector relocates boxed terms by
// rewriting these indices in the root set.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	// 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for index/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagBoxed   uint64 = 0x0001000000000000 // heap slot index (+ literal bit)
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // nil (the empty list)
	tagAtom    uint64 = 0x0004000000000000 // interned atom ID
	tagPid     uint64 = 0x0005000000000000 // process ID
	tagPort    uint64 = 0x0006000000000000 // port ID

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000

	// Literal-arena bit within a boxed payload. When set, the slot index
	// refers to the shared literal arena instead of a process heap.
	literalBit uint64 = 0x0000800000000000

	// Slot index mask within a boxed payload (47 bits).
	slotMask uint64 = 0x00007FFFFFFFFFFF
)

// Nil is the empty list.
const Nil Value = Value(nanBits | tagSpecial)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular float.
		return true
	}

	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		// +Inf or -Inf
		return true
	}

	if (bits & nanBits) != nanBits {
		// Signaling NaN, treat as float.
		return true
	}

	// Quiet NaN: ours only if a tag is present.
	return bits&tagMask == 0
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsBoxed returns true if v refers to a heap-allocated term.
func (v Value) IsBoxed() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagBoxed)
}

// IsAtom returns true if v represents an interned atom.
func (v Value) IsAtom() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagAtom)
}

// IsPid returns true if v represents a process identifier.
func (v Value) IsPid() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagPid)
}

// IsPort returns true if v represents a port identifier.
func (v Value) IsPort() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagPort)
}

// IsNil returns true if v is the empty list.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsLiteral returns true for a boxed value living in the literal arena.
func (v Value) IsLiteral() bool {
	return v.IsBoxed() && uint64(v)&literalBit != 0
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// FromSmallInt creates a Value from an int64 in small-int range.
// Panics if n is out of range; callers promote to bignum first.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// FromAtom creates a Value from an atom ID.
func FromAtom(id AtomID) Value {
	return Value(nanBits | tagAtom | uint64(id))
}

// FromPid creates a Value from a process ID.
func FromPid(pid PID) Value {
	return Value(nanBits | tagPid | (uint64(pid) & payloadMask))
}

// FromPort creates a Value from a port ID.
func FromPort(id PortID) Value {
	return Value(nanBits | tagPort | (uint64(id) & payloadMask))
}

func makeBoxed(slot int, literal bool) Value {
	bits := nanBits | tagBoxed | (uint64(slot) & slotMask)
	if literal {
		bits |= literalBit
	}
	return Value(bits)
}

// ---------------------------------------------------------------------------
// Extraction
// ---------------------------------------------------------------------------

// Float64 extracts the float64 from a float value.
func (v Value) Float64() float64 {
	return math.Float64frombits(uint64(v))
}

// SmallInt extracts the int64 from a small integer value.
func (v Value) SmallInt() int64 {
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		return int64(payload | intSignExtend)
	}
	return int64(payload)
}

// Atom extracts the atom ID from an atom value.
func (v Value) Atom() AtomID {
	return AtomID(uint64(v) & payloadMask)
}

// Pid extracts the process ID from a pid value.
func (v Value) Pid() PID {
	return PID(uint64(v) & payloadMask)
}

// Port extracts the port ID from a port value.
func (v Value) Port() PortID {
	return PortID(uint64(v) & payloadMask)
}

// slot extracts the heap slot index from a boxed value.
func (v Value) slot() int {
	return int(uint64(v) & slotMask)
}
