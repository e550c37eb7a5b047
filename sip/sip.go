package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"
)

var (
	SIPDebug  bool
	siptracer SIPTracer
)

type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	traceSIP(transport, laddr, raddr, sipmsg, true)
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	traceSIP(transport, laddr, raddr, sipmsg, false)
}

// traceSIP routes a raw wire message to the registered SIPTracer, falling
// back to a debug-level slog line when no tracer is installed.
func traceSIP(transport, laddr, raddr string, sipmsg []byte, inbound bool) {
	if siptracer != nil {
		if inbound {
			siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
		} else {
			siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
		}
		return
	}
	if !DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	arrow := "<-"
	if !inbound {
		arrow = "->"
	}
	DefaultLogger().Debug(fmt.Sprintf("%s %s %s %s:\n%s", transport, laddr, arrow, raddr, sipmsg))
}

// GenerateBranch returns a random via-branch ID carrying the RFC 3261 magic
// cookie so downstream proxies recognize this stack as 3261-compliant.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns a random branch ID of the form MagicCookie.<n chars>.
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteByte('.')
	RandStringBytesMask(sb, n)
	return sb.String()
}

// GenerateTagN returns a random n-character From/To tag value.
func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// dialogTags is the (Call-ID, To-tag, From-tag) triple a dialog ID is built
// from, per RFC 3261 §12.1.
type dialogTags struct {
	callID, toTag, fromTag string
}

// DialogIDFromResponse derives the dialog ID a response's peer dialog would
// use, for matching a response against the dialog that sent the request.
func DialogIDFromResponse(msg *Response) (string, error) {
	tags, err := extractDialogTags(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(tags.callID, tags.toTag, tags.fromTag), nil
}

// DialogIDFromRequestUAS derives the dialog ID for a request as seen by the
// UAS side of the dialog (local tag is To, remote tag is From).
func DialogIDFromRequestUAS(msg *Request) (string, error) {
	tags, err := extractDialogTags(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(tags.callID, tags.toTag, tags.fromTag), nil
}

// DialogIDFromRequestUAC derives the dialog ID for a request as seen by the
// UAC side of the dialog (local tag is From, remote tag is To).
func DialogIDFromRequestUAC(msg *Request) (string, error) {
	tags, err := extractDialogTags(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(tags.callID, tags.fromTag, tags.toTag), nil
}

// extractDialogTags pulls the Call-ID/To-tag/From-tag triple out of msg,
// failing if any of the three is absent.
func extractDialogTags(msg Message) (dialogTags, error) {
	callID := msg.CallID()
	if callID == nil {
		return dialogTags{}, fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return dialogTags{}, fmt.Errorf("missing To header")
	}
	toTag, ok := to.Params.Get("tag")
	if !ok {
		return dialogTags{}, fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return dialogTags{}, fmt.Errorf("missing From header")
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return dialogTags{}, fmt.Errorf("missing tag param in From header")
	}

	return dialogTags{callID: string(*callID), toTag: toTag, fromTag: fromTag}, nil
}

// DialogIDMake joins a Call-ID with a pair of local/remote tags into the
// opaque string dialog lookups key on.
func DialogIDMake(callID, innerID, externalID string) string {
	return strings.Join([]string{callID, innerID, externalID}, TxSeperator)
}
