// Package functions is the versioned store of in-process tool functions.
//
// Every registration creates a new immutable version of a function. The
// source is validated before anything is written; a syntax fault stores
// nothing. Versions registered with tests are activated only when their tests
// pass, and a failing version never displaces the active one. Versions
// registered without tests activate immediately.
//
// Activation always flips the previously active version off and the new one
// on inside one transaction, so rollback is just Activate with an older
// version number.
//
// Module groups share a preamble: setup code executed before any of the
// group's function bodies, both when tests run and when the group is loaded.
//
// ImportBulk accepts a whole source file, splits it into public top-level
// functions and preamble, and matches test routines from a companion test
// file by name.
package functions
