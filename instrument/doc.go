// Package instrument prepares the copy of a module that is actually executed.
//
// The copy exports every defined memory and mutable global so their final
// values can be read, exports the start function instead of running it at
// instantiation, and optionally adds fuel metering and a memory.grow guard.
// Everything is appended, so the function, global and memory indices of the
// original module are unchanged and state read from the copy maps directly
// onto the original image.
package instrument
