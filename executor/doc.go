// Package executor runs the initializer export of an instantiated module.
//
// An Executor moves from NotStarted to Running and then to exactly one of
// Completed, Trapped or Exceeded. Engine errors are mapped to the error
// taxonomy: metered ceilings and the deadline report resource_exceeded,
// every other trap (including proc_exit) reports initialization_trapped.
package executor
