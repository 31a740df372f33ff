// Package a11y defines the accessibility tree provider consumed by the
// locator: opaque reference-counted nodes, roles, window activation events,
// a fault handler stack and the provider error taxonomy.
//
// Backends live in subpackages: atspi talks AT-SPI2 over the accessibility
// D-Bus, x11 derives the tree from EWMH properties, and memtree is an
// in-memory tree used for fixtures and tests.
package a11y
