// Package ir provides the data model shared by every telecommand package.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import ir; ir imports nothing internal. This keeps
// the model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Definitions are values: an Invocation carries a deep copy of its
//     CommandDefinition so later catalog registrations never alter pending work
//   - HistoryRecord.Seq comes from a logical clock and is the only ordering
//     basis; wall-clock timestamps are informational
//   - All JSON tags use snake_case
package ir
