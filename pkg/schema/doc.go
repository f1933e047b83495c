// Package schema upgrades and validates versioned JSON documents.
//
// A [Chain] is an ordered, contiguous list of [Step] values, one per schema
// version starting at 1. Loading walks the chain from the document's own
// version to the latest one: the first step validates the raw document as-is,
// every later step upgrades the previous step's validated value and then
// validates its own output.
//
//	disk bytes -> Document -> Step(v) validate -> Step(v+1) upgrade+validate -> ... -> T
//
// Each step validates in the same order: [Rules.Defaults] are merged under the
// document, the result is decoded into the step's Go type, [Rules.Normalize]
// runs, `validate:"..."` struct tags are checked, and finally [Rules.Check]
// enforces cross-field constraints. Any failure aborts the walk with an
// [*Error] carrying the version and JSON field path.
//
// Documents never go backwards: a document whose version is newer than the
// latest step fails with [ErrVersionTooNew].
package schema
