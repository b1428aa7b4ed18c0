// Package vm implements the cask execution engine for class-file style
// bytecode.
//
// This package contains:
//   - Values, operand stacks and locals with per-slot reference ownership
//   - A class table with field layout, class mirrors and initialization
//   - A refcounted heap over byte-addressed object memory
//   - Reentrant per-object monitors with wait and notify
//   - A table-dispatched bytecode interpreter
//   - A compiler from bytecode to threaded closures, driven by a profiler
//     and a background JIT
//
// Guest exceptions surface to Go callers as *Exception errors carrying the
// thrown heap object.
package vm
