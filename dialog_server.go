package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmus3g/sipstack/sip"
	"github.com/icholy/digest"
)

// DialogServerSession is a UAS dialog created by an incoming INVITE.
type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	ua       *DialogUA
	cache    *DialogServerCache
}

// TransactionRequest builds and sends a request generated by the UAS within
// an established dialog (re-INVITE, BYE), filling in the Call-ID/From/To
// when the caller hasn't set them. It always assigns the next local CSeq
// and appends the dialog route set as Route headers.
// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	if req.CallID() == nil {
		if h := s.InviteRequest.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}
	// Our identity is the To of the original INVITE (it carries our locally
	// assigned tag); the peer's identity is the original From.
	if req.From() == nil {
		if h := s.InviteRequest.To(); h != nil {
			from := h.(*sip.ToHeader)
			req.AppendHeader(&sip.FromHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params})
		}
	}
	if req.To() == nil {
		if h := s.InviteRequest.From(); h != nil {
			to := h.(*sip.FromHeader)
			req.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
		}
	}

	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{MethodName: req.Method}
		req.AppendHeader(cseq)
	}

	next := s.CSEQ()
	if !req.IsAck() && !req.IsCancel() {
		next++
	}
	cseq.SeqNo = next
	s.SetCSEQ(next)

	// https://datatracker.ietf.org/doc/html/rfc3261#section-12.1.1
	// The UAS route set is NOT reversed: it keeps the order the
	// Record-Route headers appeared in on the dialog-creating request.
	hdrs := s.InviteRequest.GetHeaders("Record-Route")
	for _, h := range hdrs {
		rr := h.(*sip.RecordRouteHeader)
		req.AppendHeader(&sip.RouteHeader{Address: rr.Address})
	}

	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}

	return s.ua.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.ua.Client.WriteRequest(req)
}

// Close is always good to call for cleanup or terminating dialog state
func (s *DialogServerSession) Close() error {
	if s.cache != nil {
		s.cache.dialogs.Delete(s.ID)
	}
	return nil
}

// Respond should be called for the Invite request, you may want to call
// this multiple times like 100 Trying or 180 Ringing, then a final 2xx for
// creating the dialog or another code on failure.
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// RespondSDP is just wrapper to call 200 with SDP.
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing a custom response. For a 2xx final response
// this blocks until the peer's ACK is received (or the transaction dies),
// since the dialog is not Confirmed until then.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		res.AppendHeader(&s.ua.ContactHDR)
	}

	s.Dialog.InviteResponse = res

	if !res.IsSuccess() {
		if res.IsProvisional() {
			return tx.Respond(res)
		}

		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	if err := tx.Respond(res); err != nil {
		return err
	}
	s.setState(sip.DialogStateEarly)

	select {
	case <-tx.Acks():
		s.setState(sip.DialogStateConfirmed)
		return nil
	case <-tx.Done():
		return tx.Err()
	}
}

// ReadAck should be called from your OnAck handler for this session.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye should be called from your OnBye handler for this session.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	cseq := req.CSeq()
	// The peer's CSeq space is separate from ours: compare against the
	// CSeq of the INVITE it sent, not against our own request counter.
	if cseq == nil || cseq.SeqNo <= s.InviteRequest.CSeq().SeqNo {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Cseq is incorrect", nil)
		tx.Respond(res)
		return ErrDialogInvalidCseq
	}
	s.SetCSEQ(cseq.SeqNo)

	defer s.Close()
	defer s.inviteTx.Terminate()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.setState(sip.DialogStateEnded)
	return nil
}

// Bye sends BYE on an established, confirmed dialog.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.LoadState()
	if state == sip.DialogStateEnded {
		return nil
	}
	if state != sip.DialogStateConfirmed {
		return fmt.Errorf("dialog not confirmed")
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse
	if res == nil || !res.IsSuccess() {
		return fmt.Errorf("can not send bye on non success response")
	}

	defer s.inviteTx.Terminate()

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// The UAS MUST NOT send a BYE on a confirmed dialog until it has
	// received an ACK for its 2xx response or until the server
	// transaction times out.
	for {
		if s.LoadState() >= sip.DialogStateConfirmed {
			break
		}
		select {
		case <-s.inviteTx.Done():
		case <-time.After(sip.T1):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		break
	}

	bye := newByeRequestUAS(req)

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	select {
	case r := <-tx.Responses():
		if r.StatusCode != sip.StatusOK {
			return &ErrDialogResponse{Res: r}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authDigest validates the request's Authorization header against chal
// using opts, challenging with a 401 when the header is absent or the
// credentials don't match. It is the UAS-side counterpart to the client's
// TransactionDigestAuth.
func (s *DialogServerSession) authDigest(chal *digest.Challenge, opts digest.Options) error {
	req := s.InviteRequest

	h := req.GetHeader("Authorization")
	if h == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		if err := s.inviteTx.Respond(res); err != nil {
			return err
		}
		return ErrDialogUnauthorized
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		s.inviteTx.Respond(sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Bad credentials", nil))
		return err
	}

	opts.URI = cred.URI
	digCred, err := digest.Digest(chal, opts)
	if err != nil {
		return err
	}

	if cred.Response != digCred.Response {
		s.inviteTx.Respond(sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil))
		return ErrDialogUnauthorized
	}

	return nil
}

// newByeRequestUAS generates a BYE for the remote target of a dialog this
// side is the callee of. It does not add a Via header, left to the
// transport/client layer.
func newByeRequestUAS(invite *sip.Request) *sip.Request {
	cont := invite.Contact()
	bye := sip.NewRequest(sip.BYE, cont.Address)
	return bye
}

// DialogServerCache keeps UAS dialog sessions reachable by dialog ID so
// in-dialog ACK/BYE requests can be routed to the session that created
// them. contactHDR is the default Contact used to build INVITE responses.
// In case handling different transports you should have multiple instances per transport.
type DialogServerCache struct {
	client     *Client
	contactHDR sip.ContactHeader
	dialogs    sync.Map
}

// NewDialogServerCache provides a handle for managing UAS dialogs.
// client is needed to send subsequent in-dialog requests (BYE, re-INVITE).
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServerCache {
	return &DialogServerCache{
		client:     client,
		contactHDR: contactHDR,
	}
}

func (c *DialogServerCache) loadDialog(id string) *DialogServerSession {
	val, ok := c.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogServerSession)
}

func (c *DialogServerCache) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := c.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// ReadInvite should be called from your OnInvite handler; it creates the
// dialog context. Use the returned session for all further responses.
// Do not forget to wire ReadAck/ReadBye to confirm and terminate the dialog.
func (c *DialogServerCache) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	ua := &DialogUA{Client: c.client, ContactHDR: c.contactHDR}
	dtx, err := ua.ReadInvite(req, tx)
	if err != nil {
		return nil, err
	}
	dtx.cache = c
	c.dialogs.Store(dtx.ID, dtx)
	return dtx, nil
}

// ReadAck should be called from your OnAck handler.
func (c *DialogServerCache) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := c.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return dt.ReadAck(req, tx)
}

// ReadBye should be called from your OnBye handler.
func (c *DialogServerCache) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := c.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return dt.ReadBye(req, tx)
}
