package vm

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil     Opcode = 0x10 // push nil (the empty list)
	OpPushInt8    Opcode = 0x11 // push 8-bit signed integer
	OpPushInt32   Opcode = 0x12 // push 32-bit signed integer
	OpPushFloat   Opcode = 0x13 // push inline float64 (8 bytes)
	OpPushAtom    Opcode = 0x14 // push atom (16-bit module atom index)
	OpPushLiteral Opcode = 0x15 // push literal (16-bit literal index)
)

// Variable Operations
const (
	OpPushLocal    Opcode = 0x20 // push local/argument (8-bit index)
	OpStoreLocal   Opcode = 0x21 // pop into local (8-bit index)
	OpPushCaptured Opcode = 0x22 // push captured variable (8-bit index)
)

// Term Construction / Destructuring
const (
	OpMakeCons     Opcode = 0x30 // pop tail, pop head, push cons
	OpMakeTuple    Opcode = 0x31 // pop N values, push tuple (8-bit N)
	OpMakeMap      Opcode = 0x32 // pop 2N values, push map (8-bit pair count)
	OpMakeClosure  Opcode = 0x33 // pop N captures, push closure (16-bit fn, 8-bit N)
	OpGetTupleElem Opcode = 0x34 // peek tuple, push element (8-bit 0-based index)
	OpUncons       Opcode = 0x35 // pop cons, push tail, push head
)

// Arithmetic (small ints overflow-promote to bignums)
const (
	OpAdd    Opcode = 0x40 // pop b, pop a, push a+b
	OpSub    Opcode = 0x41 // pop b, pop a, push a-b
	OpMul    Opcode = 0x42 // pop b, pop a, push a*b
	OpIntDiv Opcode = 0x43 // integer division, truncating
	OpRem    Opcode = 0x44 // integer remainder
	OpDiv    Opcode = 0x45 // float division
	OpNeg    Opcode = 0x46 // pop a, push -a
)

// Comparison (total term order; never fails)
const (
	OpLt Opcode = 0x48
	OpLe Opcode = 0x49
	OpGt Opcode = 0x4A
	OpGe Opcode = 0x4B
	OpEq Opcode = 0x4C // structural equality
	OpNe Opcode = 0x4D
)

// Control Flow (16-bit absolute code offsets)
const (
	OpJump      Opcode = 0x60 // unconditional jump
	OpJumpTrue  Opcode = 0x61 // pop, jump if true
	OpJumpFalse Opcode = 0x62 // pop, jump if false
)

// Calls and Returns
const (
	OpCall        Opcode = 0x70 // call local function (16-bit fn, 8-bit argc)
	OpTailCall    Opcode = 0x71 // tail call local function
	OpCallExt     Opcode = 0x72 // call through import table (16-bit import, 8-bit argc)
	OpTailCallExt Opcode = 0x73 // tail call through import table
	OpCallFun     Opcode = 0x74 // pop N args then closure, call it (8-bit N)
	OpReturn      Opcode = 0x75 // return top of stack
)

// Pattern Tests (peek top of stack; jump to the 16-bit target on mismatch)
const (
	OpTestType  Opcode = 0x80 // 16-bit fail target, 8-bit type code
	OpTestTuple Opcode = 0x81 // 16-bit fail target, 8-bit arity
	OpTestEqLit Opcode = 0x82 // 16-bit fail target, 16-bit literal index
)

// Receive (drive the mailbox save pointer for selective receive)
const (
	OpRecvFetch   Opcode = 0x90 // push message at save pos; jump (16-bit) if none
	OpRecvSkip    Opcode = 0x91 // advance save pos, jump back (16-bit) to the fetch
	OpRecvAccept  Opcode = 0x92 // remove message at save pos, reset save pos
	OpWait        Opcode = 0x93 // block until a new message; resume at 16-bit target
	OpWaitTimeout Opcode = 0x94 // as OpWait with a 32-bit millisecond timeout
)

// Exceptions
const (
	OpTryPush Opcode = 0xA0 // install catch handler (16-bit handler target)
	OpTryPop  Opcode = 0xA1 // remove innermost handler
	OpRaise   Opcode = 0xA2 // pop reason, raise (8-bit class: 0 throw, 1 error, 2 exit)
)

// Raise classes
const (
	RaiseThrow = 0
	RaiseError = 1
	RaiseExit  = 2
)

// Type codes for OpTestType
const (
	TcNumber  = 1
	TcInteger = 2
	TcFloat   = 3
	TcAtom    = 4
	TcNil     = 5
	TcCons    = 6
	TcList    = 7 // nil or cons
	TcTuple   = 8
	TcMap     = 9
	TcPid     = 10
	TcPort    = 11
	TcRef     = 12
	TcClosure = 13
	TcBinary  = 14
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

// opcodeTable maps opcodes to their metadata. It is the bounded opcode
// set: the loader rejects code containing anything outside it, and the
// interpreter kills a process that reaches an unknown opcode anyway.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0},
	OpPOP: {"POP", 0},
	OpDUP: {"DUP", 0},

	OpPushNil:     {"PUSH_NIL", 0},
	OpPushInt8:    {"PUSH_INT8", 1},
	OpPushInt32:   {"PUSH_INT32", 4},
	OpPushFloat:   {"PUSH_FLOAT", 8},
	OpPushAtom:    {"PUSH_ATOM", 2},
	OpPushLiteral: {"PUSH_LITERAL", 2},

	OpPushLocal:    {"PUSH_LOCAL", 1},
	OpStoreLocal:   {"STORE_LOCAL", 1},
	OpPushCaptured: {"PUSH_CAPTURED", 1},

	OpMakeCons:     {"MAKE_CONS", 0},
	OpMakeTuple:    {"MAKE_TUPLE", 1},
	OpMakeMap:      {"MAKE_MAP", 1},
	OpMakeClosure:  {"MAKE_CLOSURE", 3},
	OpGetTupleElem: {"GET_TUPLE_ELEM", 1},
	OpUncons:       {"UNCONS", 0},

	OpAdd:    {"ADD", 0},
	OpSub:    {"SUB", 0},
	OpMul:    {"MUL", 0},
	OpIntDiv: {"INT_DIV", 0},
	OpRem:    {"REM", 0},
	OpDiv:    {"DIV", 0},
	OpNeg:    {"NEG", 0},

	OpLt: {"LT", 0},
	OpLe: {"LE", 0},
	OpGt: {"GT", 0},
	OpGe: {"GE", 0},
	OpEq: {"EQ", 0},
	OpNe: {"NE", 0},

	OpJump:      {"JUMP", 2},
	OpJumpTrue:  {"JUMP_TRUE", 2},
	OpJumpFalse: {"JUMP_FALSE", 2},

	OpCall:        {"CALL", 3},
	OpTailCall:    {"TAIL_CALL", 3},
	OpCallExt:     {"CALL_EXT", 3},
	OpTailCallExt: {"TAIL_CALL_EXT", 3},
	OpCallFun:     {"CALL_FUN", 1},
	OpReturn:      {"RETURN", 0},

	OpTestType:  {"TEST_TYPE", 3},
	OpTestTuple: {"TEST_TUPLE", 3},
	OpTestEqLit: {"TEST_EQ_LIT", 4},

	OpRecvFetch:   {"RECV_FETCH", 2},
	OpRecvSkip:    {"RECV_SKIP", 2},
	OpRecvAccept:  {"RECV_ACCEPT", 0},
	OpWait:        {"WAIT", 2},
	OpWaitTimeout: {"WAIT_TIMEOUT", 6},

	OpTryPush: {"TRY_PUSH", 2},
	OpTryPop:  {"TRY_POP", 0},
	OpRaise:   {"RAISE", 1},
}

// Name returns the mnemonic for an opcode, or "UNKNOWN".
func (op Opcode) Name() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return "UNKNOWN"
}

// validateCode walks a code stream checking that every opcode is in the
// bounded set and every operand is fully contained in the stream.
func validateCode(code []byte) error {
	if len(code) > 0xFFFF {
		return ErrCodeTooLarge
	}
	for pc := 0; pc < len(code); {
		info, ok := opcodeTable[Opcode(code[pc])]
		if !ok {
			return ErrUnknownOpcode
		}
		pc += 1 + info.OperandBytes
		if pc > len(code) {
			return ErrTruncatedCode
		}
	}
	return nil
}
