// Package version provides the sequence/timestamp version tags attached to
// calendar entities and collections. Tags are immutable values with a total
// order; owners replace them instead of mutating them, so a tag read from a
// store can be compared later without copying.
package version
