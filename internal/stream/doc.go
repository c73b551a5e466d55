// Package stream implements the streaming response client for chat turns.
//
// # Wire format
//
// Responses arrive as newline-delimited event/data frame pairs over a
// chunked HTTP body:
//
//	event: content
//	data: {"delta":"Hel"}
//
//	event: content
//	data: {"delta":"lo"}
//
//	event: complete
//	data: {}
//
// FrameReader pulls frames one at a time, reassembling frames split across
// read boundaries and silently skipping malformed or unrecognized frames.
//
// # Sessions
//
// A Session is ephemeral state for one streaming turn: an accumulator of
// content deltas, an abort handle, and exactly-once completion. The
// accumulator is authoritative; the complete frame never needs to repeat
// the text. The complete frame ends the turn, and the client tears the
// transport down itself rather than waiting for the server to close.
//
// # Auth renewal
//
// An unauthorized response before any content arrives triggers one token
// refresh and a full request reissue on a fresh transport. If the refresh
// itself fails, session invalidation is published and the error surfaces to
// the caller.
package stream
