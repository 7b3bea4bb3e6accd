// Package stream implements the write path of a session: the chunk appender,
// the generation and approval coordinators, and the visibility bridge that
// reports each durable commit.
//
// Every mutation runs inside the session handle's exclusive section and
// appends its events to the log in one commit. State changes are folded from
// the committed events, so a failed append leaves the session exactly as it
// was and a blind retry is always safe.
package stream
