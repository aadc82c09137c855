// Package rewrite builds the pre-initialized module from the original image
// and a snapshot diff.
//
// Changed memory pages become active data segments appended after the
// original ones, changed globals get constant initializers, and changed
// tables get a covering element segment. The start function, the initializer
// export and any configured exports are removed and function renames are
// applied. All other sections are carried over byte for byte.
package rewrite
