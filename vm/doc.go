// Package vm implements the Wren virtual machine.
//
// This package contains:
//   - NaN-boxed value representation
//   - Per-process heaps with a copying collector
//   - The module binary loader and writer
//   - Process scheduling with reduction-budget preemption
//   - The bytecode interpreter
//   - The port/native-call boundary
package vm
