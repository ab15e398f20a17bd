// Package vm implements the stack VM execution engine.
//
// This package contains:
//   - The fetch-decode-execute loop over a bytecode.Program
//   - Call frames kept in a reusable arena indexed by depth
//   - Typed faults with errors.Is-compatible sentinels
//   - The trace facility, a pure renderer of pre-step snapshots
//
// A VM has a single owner. Run independent programs on independent VMs.
package vm
