package iscsi

// This file implements the per-connection login state machine as a
// pure function over a transition table -- no side effects, no Session
// dependency.
//
// State diagram:
//
//	      ┌────── release ──────┐
//	      v                     │
//	   Free                     │
//	     │ create_connection    │
//	     v                      │
//	   Created                  │
//	     │ security negotiate   │
//	     v                      │
//	   SecurityNegotiating──fail┤
//	     │ ok                   │
//	     v                      │
//	   OpNegotiating ──── fail ─┤
//	     │ ok (Transit, NSG=FFP)│
//	     v                      │
//	   Active ──────────────────┤
//	     │ logout requested     │
//	     v                      │
//	   LoggingOut               │
//	     │                      │
//	     v                      │
//	   Released ────────────────┘

import "fmt"

// ConnState is the login state of a single connection.
type ConnState uint8

const (
	// ConnFree means the connection slot is unused.
	ConnFree ConnState = iota

	// ConnCreated means the TCP connection exists but login has not
	// started.
	ConnCreated

	// ConnSecurityNegotiating means the security stage is in progress.
	ConnSecurityNegotiating

	// ConnOpNegotiating means the operational stage is in progress.
	ConnOpNegotiating

	// ConnActive means the connection reached full-feature phase.
	ConnActive

	// ConnLoggingOut means a logout exchange is in progress.
	ConnLoggingOut

	// ConnReleased means the connection is torn down and awaiting slot
	// reuse.
	ConnReleased
)

// String returns the human-readable name for the connection state.
func (s ConnState) String() string {
	switch s {
	case ConnFree:
		return "Free"
	case ConnCreated:
		return "Created"
	case ConnSecurityNegotiating:
		return "SecurityNegotiating"
	case ConnOpNegotiating:
		return "OpNegotiating"
	case ConnActive:
		return "Active"
	case ConnLoggingOut:
		return "LoggingOut"
	case ConnReleased:
		return "Released"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// ConnEvent drives the connection state machine.
type ConnEvent uint8

const (
	// EventCreate allocates the connection slot and opens the socket.
	EventCreate ConnEvent = iota

	// EventAuthStart begins the security negotiation stage.
	EventAuthStart

	// EventAuthOK completes security negotiation.
	EventAuthOK

	// EventNegotiateOK completes operational negotiation with a
	// granted transition to full-feature phase.
	EventNegotiateOK

	// EventLogoutStart begins a logout exchange.
	EventLogoutStart

	// EventLogoutDone completes a logout exchange.
	EventLogoutDone

	// EventFail aborts the connection at any point.
	EventFail

	// EventRelease returns the released slot to the free pool.
	EventRelease
)

// String returns the human-readable name of the event.
func (e ConnEvent) String() string {
	switch e {
	case EventCreate:
		return "Create"
	case EventAuthStart:
		return "AuthStart"
	case EventAuthOK:
		return "AuthOK"
	case EventNegotiateOK:
		return "NegotiateOK"
	case EventLogoutStart:
		return "LogoutStart"
	case EventLogoutDone:
		return "LogoutDone"
	case EventFail:
		return "Fail"
	case EventRelease:
		return "Release"
	default:
		return "Unknown"
	}
}

// connStateEvent is the transition table key.
type connStateEvent struct {
	state ConnState
	event ConnEvent
}

// connTransitions is the complete connection login transition table.
// Unlisted (state, event) pairs are invalid and leave the state
// unchanged with ok=false.
var connTransitions = map[connStateEvent]ConnState{
	{ConnFree, EventCreate}: ConnCreated,

	{ConnCreated, EventAuthStart}: ConnSecurityNegotiating,
	{ConnCreated, EventFail}:      ConnReleased,

	{ConnSecurityNegotiating, EventAuthOK}: ConnOpNegotiating,
	{ConnSecurityNegotiating, EventFail}:   ConnReleased,

	{ConnOpNegotiating, EventNegotiateOK}: ConnActive,
	{ConnOpNegotiating, EventFail}:        ConnReleased,

	{ConnActive, EventLogoutStart}: ConnLoggingOut,
	{ConnActive, EventFail}:        ConnReleased,

	{ConnLoggingOut, EventLogoutDone}: ConnReleased,
	{ConnLoggingOut, EventFail}:       ConnReleased,

	{ConnReleased, EventRelease}: ConnFree,
}

// NextConnState applies an event to a connection state. ok is false
// when the event is not valid in the given state; the state is then
// returned unchanged.
func NextConnState(state ConnState, event ConnEvent) (ConnState, bool) {
	next, ok := connTransitions[connStateEvent{state: state, event: event}]
	if !ok {
		return state, false
	}
	return next, true
}
