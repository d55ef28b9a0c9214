package vm

import "errors"

// Load errors. These abort only the load of the module (or bundle entry)
// that produced them; they never terminate the runtime.
var (
	ErrBadMagic         = errors.New("invalid magic number: expected WREN")
	ErrVersionMismatch  = errors.New("module version mismatch")
	ErrCorruptModule    = errors.New("corrupt module data")
	ErrChecksumMismatch = errors.New("module checksum mismatch")
	ErrBadSection       = errors.New("malformed module section")
	ErrUnknownOpcode    = errors.New("unknown opcode in code section")
	ErrTruncatedCode    = errors.New("truncated instruction in code section")
	ErrCodeTooLarge     = errors.New("code section exceeds 64 KiB")
	ErrBadLiteral       = errors.New("literal section holds a non-literal term")
	ErrBadEntry         = errors.New("function entry outside code section")
	ErrDuplicateModule  = errors.New("module already loaded")
	ErrBadBundle        = errors.New("invalid bundle container")
)

// Runtime lookup errors surfaced to embedders (the CLI, tests).
var (
	ErrNoModule   = errors.New("no such module")
	ErrNoFunction = errors.New("no such exported function")
	ErrNoDriver   = errors.New("no such port driver")
)
