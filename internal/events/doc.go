// Package events provides a process-local pub/sub bus for relay domain
// events. Publication is fire-and-forget: slow subscribers drop events, and
// no component's correctness may depend on a subscriber observing one.
package events
