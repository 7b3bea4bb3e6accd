// Package domain models a streaming session: the events its log holds, the
// generation lifecycle, and outstanding approval requests.
//
// The log is the source of truth. State is what a session handle keeps in
// memory between writes and is always reproducible by folding the log with
// Fold, plus the approval requests that were raised but not yet answered.
//
// The package holds:
//   - the sealed Event union (chunks, approval responses, generation boundaries),
//   - the State aggregate and its clone-on-write helpers,
//   - and Fold for replaying a session's history.
package domain
