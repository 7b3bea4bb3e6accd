// Package session owns the registry of live session handles.
//
// A handle is the synchronization boundary for one session: every mutation
// runs inside Exclusive, which serializes writers across the store call and
// publishes the resulting state only when the write succeeded. Readers use
// Snapshot and never wait on a writer's store I/O.
//
// Handles are borrowed from the Registry and must be released after each
// operation. Idle handles with no borrowers, no writer and no live approval
// requests are evicted by Sweep and rebuilt from the log on next use.
package session
