// Package loader materializes a module group's active function versions into
// live callables.
//
// Load validates the group's preamble and every active body before executing
// anything. If any unit fails validation or execution the whole group is
// rejected with a *LoadError and no callables are returned. Otherwise the
// preamble and bodies run as one program in a private namespace and every
// registered function name bound to a callable is returned.
//
// Dump writes the assembled program to the cache directory for inspection;
// Load never reads it back.
package loader
