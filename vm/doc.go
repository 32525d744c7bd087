// Package vm implements the ECMAScript runtime core.
//
// This package contains:
//   - Tagged value representation and the standard coercions
//   - Hidden classes, property tables and objects
//   - Inline caches keyed on class id and property serial
//   - The block-allocated register and frame stack
//   - Suspended calls and the pseudo-thread
//   - A register interpreter for compiled code
//   - The host boundary: host objects, Get/Put results, import and export
//
// All heap entities are managed by package heap. A Runtime owns one heap,
// one class tree and the built-in objects; an ExecutionContext runs code
// against it on a single goroutine at a time.
package vm
