// Package snapshot captures instance state and computes the minimal diff
// between a baseline and a post-initialization snapshot.
//
// Memories are compared in 64 KiB pages on an errgroup worker pool. Pages
// beyond the baseline size are always part of the diff and marked Grown.
package snapshot
