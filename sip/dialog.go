package sip

import "errors"

// DialogState is the lifecycle state of a dialog, as seen from the
// transaction layer upward. Unlike the 3-state set the SIP wire protocol
// itself exposes (no response / provisional / final), a user agent needs to
// distinguish an early dialog (created by a provisional response with a
// to-tag) from one confirmed by ACK, and needs a terminal state reachable
// from either.
type DialogState int

const (
	// DialogStateEarly is entered once a to-tag is known (1xx or 2xx) but
	// before the initiating transaction has fully completed (ACK for
	// 2xx, or any response at all for a UAS that only just answered).
	DialogStateEarly DialogState = iota
	// DialogStateConfirmed is entered on the 2xx/ACK exchange completing.
	DialogStateConfirmed
	// DialogStateEnded is entered on BYE, on a non-2xx final response
	// terminating the initiating transaction, or on CANCEL.
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEarly:
		return "Early"
	case DialogStateConfirmed:
		return "Confirmed"
	case DialogStateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Dialog is the lightweight, wire-level dialog event fired by ServerDialog;
// it is not the stateful session object (that lives in the root package).
type Dialog struct {
	ID    string
	State DialogState
}

var ErrDialogOutsideDialog = errors.New("sip: message does not belong to any dialog")

// MakeDialogID joins a Call-ID with the local and remote tags into the
// tuple that RFC 3261 §12 uses to identify a dialog. Tag order differs
// between the two endpoints of the same dialog (each sees the other's tag
// as "external" and its own as "inner"), so construction always goes
// through DialogIDMake to keep that join in one place.
func MakeDialogID(callID, innerID, externalID string) string {
	return DialogIDMake(callID, innerID, externalID)
}

// MakeDialogIDFromResponse derives the dialog ID a UAC would use to look up
// the dialog created/updated by this response: local tag is From-tag (ours),
// remote tag is To-tag (the UAS we just heard from).
func MakeDialogIDFromResponse(res *Response) (string, error) {
	return DialogIDFromResponse(res)
}

// MakeDialogIDFromRequest derives the dialog ID a UAS would use when it
// originated the request. Kept distinct from UASReadRequestDialogID because
// a UAS reads its own previously-assigned To-tag instead of generating one.
func MakeDialogIDFromRequest(req *Request) (string, error) {
	return DialogIDFromRequestUAC(req)
}

// UASReadRequestDialogID derives the dialog ID as seen from the UAS side of
// an in-dialog or dialog-creating request: local tag is To-tag (ours, once
// assigned), remote tag is From-tag (the UAC that sent it).
func UASReadRequestDialogID(req *Request) (string, error) {
	return DialogIDFromRequestUAS(req)
}

// MakeDialogIDFromMessage dispatches on the concrete message type so
// dialog-event publishing code does not need a type switch of its own.
func MakeDialogIDFromMessage(msg Message) (string, error) {
	switch m := msg.(type) {
	case *Request:
		return UASReadRequestDialogID(m)
	case *Response:
		return MakeDialogIDFromResponse(m)
	default:
		return "", ErrDialogOutsideDialog
	}
}
