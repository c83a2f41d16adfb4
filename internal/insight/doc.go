// Package insight turns a stream of transcript turns into a structured
// meeting record.
//
// Each turn is sent to an extraction model together with the tool
// declarations of the configured qualification framework. The model answers
// with tool calls, which are decoded into typed mutations and merged into a
// working copy of the record. The record is published only once the whole
// turn succeeds, so readers never observe half-applied state.
//
// Merge rules: list sections only grow, and a qualification field is
// overwritten only by a non-empty value other than NotIdentified.
package insight
