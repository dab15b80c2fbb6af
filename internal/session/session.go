// Package session owns the session lifecycle: an in-memory store mapping
// client identifiers to live protocol connections, and the coordinator that
// drives each session from connect through pairing and credential delivery to
// retirement.
package session
