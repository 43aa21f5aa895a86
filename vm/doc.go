// Package vm implements the ember runtime core.
//
// This package contains:
//   - State: the per-instance owner, with Open/Close lifecycle
//   - Unit: reference-counted compiled code forming a graph
//   - Context: call stack and exception-handler stacks for one fiber
//   - Heap: the default mark-sweep collector behind the Collector contract
//   - FinalizerStack: shutdown callbacks fired in reverse order
//
// Nothing in this package is internally synchronized. A State and everything
// it owns must be used from one goroutine at a time.
package vm
