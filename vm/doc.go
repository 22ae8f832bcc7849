// Package vm implements the Tapir tape-machine interpreter.
//
// This package contains:
//   - Circular tape with configurable cell width (8/16/32-bit)
//   - Program index with bracket matching and line/column addressing
//   - Execution engine with stepped, timed, frame-synced, and turbo strategies
//   - Breakpoints, source-map debugging, and macro-call-context reporting
//   - CBOR snapshots and tape image files
package vm
