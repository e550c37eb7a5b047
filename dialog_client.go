package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fmus3g/sipstack/sip"
)

// DialogClientSession is a UAC dialog created by an outgoing INVITE. It is
// usable directly (built via DialogUA) or through a DialogClientCache, which
// keeps it reachable by dialog ID for routing inbound in-dialog requests.
type DialogClientSession struct {
	Dialog
	UA       *DialogUA
	inviteTx sip.ClientTransaction
	cache    *DialogClientCache
}

// Close must always be called to release internal resources. It does not
// send BYE or CANCEL nor change dialog state; use Bye for a graceful end.
func (s *DialogClientSession) Close() error {
	if s.cache != nil {
		s.cache.dialogs.Delete(s.ID)
	}
	return nil
}

// AnswerOptions configures WaitAnswer.
type AnswerOptions struct {
	// OnResponse is invoked for every response received, including
	// provisional ones. Returning an error aborts WaitAnswer.
	OnResponse func(res *sip.Response) error

	// For digest authentication challenges (401/407)
	Username string
	Password string
}

// WaitAnswer waits for the final response to the INVITE, applying digest
// authentication on 401/407 challenges when a Password is given.
// Canceling ctx sends CANCEL and keeps waiting for the resulting 487 (or
// whatever final response the peer settles on) so it ends up in
// InviteResponse.
// Returns *ErrDialogResponse wrapped in error for a non-2xx final response.
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, inviteRequest := s.UA.Client, s.InviteRequest
	tx := s.inviteTx
	canceled := false

	for {
		var r *sip.Response
		select {
		case r = <-tx.Responses():
		case <-tx.Done():
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		case <-ctx.Done():
			if !canceled {
				canceled = true
				cancelReq := newCancelRequest(inviteRequest)
				if err := client.WriteRequest(cancelReq); err != nil {
					tx.Terminate()
					return errors.Join(err, ctx.Err())
				}
			}
			continue
		}

		s.InviteResponse = r
		if opts.OnResponse != nil {
			if err := opts.OnResponse(r); err != nil {
				return err
			}
		}

		if r.IsProvisional() {
			continue
		}

		if r.IsSuccess() {
			break
		}

		if canceled {
			return errors.Join(&ErrDialogResponse{Res: r}, ctx.Err())
		}

		var (
			newTx sip.ClientTransaction
			err   error
		)
		switch {
		case r.StatusCode == sip.StatusProxyAuthRequired && opts.Password != "" && inviteRequest.GetHeader("Proxy-Authorization") == nil:
			tx.Terminate()
			newTx, err = client.TransactionDigestAuth(ctx, inviteRequest, r, DigestAuth{Username: opts.Username, Password: opts.Password})
		case r.StatusCode == sip.StatusUnauthorized && opts.Password != "" && inviteRequest.GetHeader("Authorization") == nil:
			tx.Terminate()
			newTx, err = client.TransactionDigestAuth(ctx, inviteRequest, r, DigestAuth{Username: opts.Username, Password: opts.Password})
		default:
			return &ErrDialogResponse{Res: r}
		}
		if err != nil {
			return err
		}
		tx = newTx
		s.inviteTx = tx
	}

	id, err := sip.MakeDialogIDFromResponse(s.InviteResponse)
	if err != nil {
		return err
	}
	s.ID = id
	s.setState(sip.DialogStateEarly)
	if s.cache != nil {
		s.cache.dialogs.Store(id, s)
	}
	return nil
}

// Ack sends ack built from the stored invite/response pair. Use WriteAck to
// customize the request before it goes out.
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := newAckRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	if err := s.UA.Client.WriteRequest(ack); err != nil {
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Do sends req within this dialog and waits for the final response.
// If req has no CSeq header, one is built from the dialog's running CSeq
// and incremented; an already-set CSeq (e.g. from newByeRequestUAC) is left
// untouched so callers can pre-build requests without double counting.
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	if len(req.GetHeaders("Route")) == 0 {
		applyRouteAndRecipient(req, s.InviteResponse)
	}

	if cseq := req.CSeq(); cseq == nil {
		next := s.CSEQ() + 1
		req.AppendHeader(&sip.CSeqHeader{SeqNo: next, MethodName: req.Method})
		s.SetCSEQ(next)
	} else {
		s.SetCSEQ(cseq.SeqNo)
	}

	tx, err := s.UA.Client.TransactionRequest(ctx, req, ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Bye sends bye and terminates session. Use WriteBye to customize the
// request before it goes out.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

// ReferTo sends an in-dialog REFER asking the remote party to place a new
// call to target, initiating a blind transfer. The dialog is left running;
// the transfer's outcome arrives out of band as a NOTIFY carrying a
// message/sipfrag body, which is not parsed here.
func (s *DialogClientSession) ReferTo(ctx context.Context, target sip.Uri) (*sip.Response, error) {
	refer := newReferRequestUAC(s.InviteRequest, s.InviteResponse, target)
	return s.Do(ctx, refer)
}

// newReferRequestUAC builds a REFER within the dialog identified by
// inviteRequest/inviteResponse, carrying target as the Refer-To header.
func newReferRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, target sip.Uri) *sip.Request {
	recipient := inviteRequest.Recipient
	referRequest := sip.NewRequest(sip.REFER, *recipient.Clone())
	referRequest.SipVersion = inviteRequest.SipVersion

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	referRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		referRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		referRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		referRequest.AppendHeader(sip.HeaderClone(h))
	}

	referRequest.AppendHeader(&sip.ReferToHeader{Address: target, Params: sip.NewParams()})
	if h := inviteRequest.From(); h != nil {
		referRequest.AppendHeader(&sip.ReferredByHeader{Address: h.Address, Params: sip.NewParams()})
	}

	referRequest.SetTransport(inviteRequest.Transport())
	referRequest.SetSource(inviteRequest.Source())

	applyRouteAndRecipient(referRequest, inviteResponse)
	return referRequest
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	defer s.Close()

	switch s.LoadState() {
	case sip.DialogStateEnded:
		return nil
	case sip.DialogStateConfirmed:
		// continue below
	default:
		return fmt.Errorf("dialog not confirmed, ACK not sent?")
	}

	res, err := s.Do(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate()

	if res.StatusCode != 200 {
		return &ErrDialogResponse{Res: res}
	}
	s.setState(sip.DialogStateEnded)
	return nil
}

// applyRouteAndRecipient builds the Route header set for a request sent
// within a dialog, per RFC 3261 §12.1.2: the UAC route set is the reverse
// of the 2xx response's Record-Route order. If the first resulting Route
// lacks the "lr" parameter the peer is a strict router, so the
// Request-URI is rewritten to that Route and the route set is left
// otherwise untouched; loose routers keep the response's Contact as
// Request-URI.
func applyRouteAndRecipient(req *sip.Request, resp *sip.Response) {
	if resp == nil {
		return
	}

	rrHdrs := resp.GetHeaders("Record-Route")
	if len(rrHdrs) == 0 {
		if cont := resp.Contact(); cont != nil {
			req.Recipient = *cont.Address.Clone()
		}
		return
	}

	routes := make([]*sip.RouteHeader, len(rrHdrs))
	for i, h := range rrHdrs {
		rr := h.(*sip.RecordRouteHeader)
		routes[len(rrHdrs)-1-i] = &sip.RouteHeader{Address: rr.Address}
	}

	for _, r := range routes {
		req.AppendHeader(r)
	}

	first := routes[0]
	if first.Address.UriParams.Has("lr") {
		if cont := resp.Contact(); cont != nil {
			req.Recipient = *cont.Address.Clone()
		}
		return
	}

	// Strict routing, RFC 3261 §12.1.2 / RFC 2543 §6.28: Request-URI
	// becomes the first route, the rest of the route set is unchanged.
	req.Recipient = *first.Address.Clone()
}

// newCancelRequest builds a CANCEL for a still-pending INVITE.
// https://datatracker.ietf.org/doc/html/rfc3261#section-9.1
func newCancelRequest(inviteRequest *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteRequest.Recipient)
	cancelReq.SipVersion = inviteRequest.SipVersion

	if via := inviteRequest.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inviteRequest, cancelReq)

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwardsHeader)

	if h := inviteRequest.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CSeq(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancelReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	cancelReq.SetTransport(inviteRequest.Transport())
	cancelReq.SetSource(inviteRequest.Source())
	return cancelReq
}

// newAckRequestUAC builds the dialog ACK for a 2xx INVITE response.
// https://datatracker.ietf.org/doc/html/rfc3261#section-13.2.2.4
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	ackRequest := sip.NewRequest(sip.ACK, inviteRequest.Recipient)
	ackRequest.SipVersion = inviteRequest.SipVersion

	sip.CopyHeaders("Via", inviteRequest, ackRequest)

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	ackRequest.AppendHeader(&maxForwardsHeader)

	if h := inviteRequest.From(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CSeq(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ackRequest.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	ackRequest.SetBody(body)
	ackRequest.SetTransport(inviteRequest.Transport())
	ackRequest.SetSource(inviteRequest.Source())

	applyRouteAndRecipient(ackRequest, inviteResponse)
	return ackRequest
}

// newByeRequestUAC creates a BYE request from an established dialog.
// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.1
// NOTE: it does not copy Via header, that is left to transport or caller.
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := inviteRequest.Recipient
	byeRequest := sip.NewRequest(sip.BYE, *recipient.Clone())
	byeRequest.SipVersion = inviteRequest.SipVersion

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	byeRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CSeq(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if cseq := byeRequest.CSeq(); cseq != nil {
		cseq.SeqNo = cseq.SeqNo + 1
		cseq.MethodName = sip.BYE
	}

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())

	applyRouteAndRecipient(byeRequest, inviteResponse)
	return byeRequest
}

// DialogClientCache keeps client dialog sessions reachable by dialog ID, for
// the common UAC case where the in-dialog BYE from the callee must be
// routed back to its session. Build sessions without a cache by using
// DialogUA directly when no routing is needed.
type DialogClientCache struct {
	ua      *DialogUA
	dialogs sync.Map
}

// NewDialogClientCache provides a handle for managing a pool of UAC
// dialogs. contactHDR must be set for a correct INVITE.
// In case handling different transports you should have multiple instances per transport.
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClientCache {
	return &DialogClientCache{
		ua: &DialogUA{Client: client, ContactHDR: contactHDR},
	}
}

func (c *DialogClientCache) dialogsLen() int {
	n := 0
	c.dialogs.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

func (c *DialogClientCache) loadDialog(id string) *DialogClientSession {
	val, ok := c.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogClientSession)
}

// Invite sends INVITE and creates the early dialog session. Call WaitAnswer
// to establish the dialog; the session is cached once established.
func (c *DialogClientCache) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	d, err := c.ua.Invite(ctx, recipient, body, headers...)
	if err != nil {
		return nil, err
	}
	d.cache = c
	return d, nil
}

// ReadBye should be called from your OnBye handler to route an in-dialog
// BYE to its client session.
func (c *DialogClientCache) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := sip.MakeDialogIDFromRequest(req)
	if err != nil {
		return err
	}

	dt := c.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", req.CallID().Value(), ErrDialogDoesNotExists)
	}

	if req.CSeq().SeqNo < dt.CSEQ() {
		return ErrDialogInvalidCseq
	}

	defer dt.Close()
	defer dt.inviteTx.Terminate()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	dt.setState(sip.DialogStateEnded)
	return nil
}
