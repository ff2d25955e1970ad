package document

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when an event does not apply to a
// non-terminal situation.
var ErrIllegalTransition = errors.New("illegal transition")

// Event drives a situation change.
type Event int

const (
	Accept   Event = iota + 1 // format checks passed
	Reject                    // format or business validation failed
	Validate                  // business validation passed, or a correlated set completed
	Pend                      // a correlated upload is missing
	Process                   // ETL completed
	Replace                   // superseded by a rectifying upload
)

var eventNames = map[Event]string{
	Accept:   "accept",
	Reject:   "reject",
	Validate: "validate",
	Pend:     "pend",
	Process:  "process",
	Replace:  "replace",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

type edge struct {
	from  Situation
	event Event
}

// transitions is the complete lifecycle. Anything not listed is illegal.
var transitions = map[edge]Situation{
	{Received, Accept}:  Accepted,
	{Received, Reject}:  Invalid,
	{Received, Replace}: Replaced,

	{Accepted, Validate}: Valid,
	{Accepted, Reject}:   Invalid,
	{Accepted, Replace}:  Replaced,

	{Valid, Pend}:    Pending,
	{Valid, Process}: Processed,
	{Valid, Replace}: Replaced,

	{Pending, Validate}: Valid,
	{Pending, Replace}:  Replaced,

	{Processed, Replace}: Replaced,
}

// TerminalError is the panic value raised when a caller tries to move a
// document out of a terminal situation.
type TerminalError struct {
	Situation Situation
	Event     Event
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("document in terminal situation %s cannot %s", e.Situation, e.Event)
}

// Next returns the situation reached from `from` on ev.
//
// Moving a terminal document is a programming error and panics with a
// *TerminalError; the one exception is Replace on a Processed document.
// Other undefined combinations return ErrIllegalTransition.
func Next(from Situation, ev Event) (Situation, error) {
	to, ok := transitions[edge{from, ev}]
	if ok {
		return to, nil
	}
	if from.Terminal() {
		panic(&TerminalError{Situation: from, Event: ev})
	}
	return 0, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}

// Can reports whether ev applies to from without panicking.
func Can(from Situation, ev Event) bool {
	_, ok := transitions[edge{from, ev}]
	return ok
}

// Apply moves doc to the next situation and returns the history entry for the
// change. ChangedTime is strictly increasing per document: when now does not
// advance past the previous change it is bumped by one microsecond.
func Apply(doc *Document, ev Event, now time.Time) (HistoryEntry, error) {
	to, err := Next(doc.Situation, ev)
	if err != nil {
		return HistoryEntry{}, err
	}

	changed := monotonic(doc.ChangedTime, now)
	doc.Situation = to
	doc.ChangedTime = changed
	return doc.historyEntry(), nil
}

// Create puts a new document in Received and returns its first history entry.
func Create(doc *Document, now time.Time) HistoryEntry {
	now = now.UTC().Truncate(time.Microsecond)
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = now
	}
	doc.Situation = Received
	doc.ChangedTime = now
	return doc.historyEntry()
}

func monotonic(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
