// Package schedule classifies inbound scheduling messages against the last
// accepted version of their target entity.
//
// A message is Ignored when it is older than the stored version, Updated
// when it replays the stored version exactly, and Rescheduled when it is new
// or newer. Rescheduled messages replace the stored version through a
// compare-and-swap and advance the version of the target collection, so
// sync clients notice the change. Free/busy queries are never versioned.
package schedule
