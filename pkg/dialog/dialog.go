package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/coredial/voicerelay/pkg/sipmsg"
)

// inviteTimeout is the time a dialog waits for a final response (UAC)
// or an ACK (UAS) before giving up, per spec §4.5.
const inviteTimeout = 32 * time.Second

// Role distinguishes which side of the INVITE this dialog is playing.
type Role int

const (
	RoleUAC Role = iota // we sent the INVITE
	RoleUAS             // we received the INVITE
)

// Dialog is one SIP call leg: its identity (Call-ID, tags), sequence
// counters, negotiated bodies, and the looplab/fsm state machine
// driving it through spec §3's State enum.
type Dialog struct {
	CallID    string
	LocalTag  string
	RemoteTag string
	LocalURI  string
	RemoteURI string
	Role      Role

	mu             sync.Mutex
	fsm            *fsm.FSM
	localCSeq      uint32
	remoteCSeq     uint32
	haveRemoteCSeq bool

	// RemoteSDP/LocalSDP hold the last offer/answer bodies exchanged,
	// for the Media Bridge to read addressing and codec negotiation
	// out of once the dialog reaches ESTABLISHED.
	RemoteSDP []byte
	LocalSDP  []byte

	// GreetingPCM, if set, is linear PCM the Call Supervisor plays
	// through the dialog's RTP Engine the instant the dialog reaches
	// ESTABLISHED (original_source/helper/sip_session.py plays a
	// greeting WAV right after ACK; see SPEC_FULL §11).
	GreetingPCM []byte

	lastResponse *sipmsg.Message // cached for retransmission on duplicate requests

	inviteTimer *time.Timer
	onState     func(State)

	logger *slog.Logger
}

// NewOutbound starts a dialog for a call we are originating (UAC).
func NewOutbound(localURI, remoteURI string, logger *slog.Logger) *Dialog {
	return newDialog(uuid.NewString(), genTag(), "", localURI, remoteURI, RoleUAC, logger)
}

// NewInbound starts a dialog from a received INVITE request (UAS). The
// caller is responsible for having already verified req.Method ==
// sipmsg.MethodINVITE.
func NewInbound(req *sipmsg.Message, logger *slog.Logger) (*Dialog, error) {
	callID := req.Header("Call-ID")
	if callID == "" {
		return nil, fmt.Errorf("dialog: INVITE missing Call-ID")
	}
	cseq, ok := req.CSeq()
	if !ok {
		return nil, fmt.Errorf("dialog: INVITE missing or malformed CSeq")
	}
	remoteTag := tagFromHeader(req.Header("From"))

	d := newDialog(callID, genTag(), remoteTag, req.Header("To"), req.Header("From"), RoleUAS, logger)
	d.remoteCSeq = cseq.Number
	d.haveRemoteCSeq = true
	d.fsm.Event(context.Background(), eventRecvInvite)
	d.armInviteTimeout()
	return d, nil
}

func newDialog(callID, localTag, remoteTag, localURI, remoteURI string, role Role, logger *slog.Logger) *Dialog {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dialog{
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		LocalURI:  localURI,
		RemoteURI: remoteURI,
		Role:      role,
		logger:    logger,
	}
	d.initFSM()
	return d
}

func (d *Dialog) initFSM() {
	d.fsm = fsm.NewFSM(
		StateIdle.String(),
		fsm.Events{
			{Name: eventSendInvite, Src: []string{StateIdle.String()}, Dst: StateCalling.String()},
			{Name: eventRecvInvite, Src: []string{StateIdle.String()}, Dst: StateRinging.String()},

			{Name: eventProvisional, Src: []string{StateCalling.String(), StateRinging.String()}, Dst: StateRinging.String()},
			{Name: eventEarlyMedia, Src: []string{StateCalling.String(), StateRinging.String()}, Dst: StateEarly.String()},

			{Name: eventAnswer, Src: []string{StateCalling.String(), StateRinging.String(), StateEarly.String()}, Dst: StateAnswered.String()},
			{Name: eventAck, Src: []string{StateAnswered.String()}, Dst: StateEstablished.String()},

			{Name: eventSendBye, Src: []string{StateEstablished.String()}, Dst: StateTerminating.String()},
			{Name: eventRecvBye, Src: []string{StateEstablished.String()}, Dst: StateTerminating.String()},
			{Name: eventCancel, Src: []string{StateCalling.String(), StateRinging.String(), StateEarly.String(), StateAnswered.String()}, Dst: StateTerminating.String()},
			{Name: eventRejectOrFail, Src: []string{StateCalling.String(), StateRinging.String(), StateEarly.String(), StateAnswered.String()}, Dst: StateTerminated.String()},
			{Name: eventTerminateDone, Src: []string{StateTerminating.String()}, Dst: StateTerminated.String()},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				d.logger.Debug("dialog state transition", "call_id", d.CallID, "from", e.Src, "to", e.Dst, "event", e.Event)
				if d.onState != nil {
					d.onState(parseState(e.Dst))
				}
			},
		},
	)
}

func parseState(s string) State {
	for _, st := range []State{StateIdle, StateCalling, StateRinging, StateEarly, StateAnswered, StateEstablished, StateTerminating, StateTerminated} {
		if st.String() == s {
			return st
		}
	}
	return StateIdle
}

// OnStateChange registers a callback invoked (synchronously) on every
// state transition. Not safe to change after the dialog starts
// receiving events.
func (d *Dialog) OnStateChange(fn func(State)) {
	d.onState = fn
}

// State returns the dialog's current state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return parseState(d.fsm.Current())
}

// NextCSeq returns the next local CSeq number to stamp on an outbound
// request, incrementing the internal counter.
func (d *Dialog) NextCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCSeq++
	return d.localCSeq
}

// AcceptsRemoteCSeq reports whether a request's CSeq is acceptable:
// the first request seen, or numerically greater than the last one
// seen for this dialog. Comparison is always numeric per spec §9's
// resolved Open Question, never a string/substring comparison.
func (d *Dialog) AcceptsRemoteCSeq(cseq sipmsg.CSeq) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.haveRemoteCSeq {
		return true
	}
	return cseq.Number > d.remoteCSeq
}

// RecordRemoteCSeq stores a newly-accepted remote CSeq.
func (d *Dialog) RecordRemoteCSeq(cseq sipmsg.CSeq) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteCSeq = cseq.Number
	d.haveRemoteCSeq = true
}

// SendInvite fires the UAC's outbound-INVITE transition and arms the
// 32s final-response timeout.
func (d *Dialog) SendInvite() error {
	if err := d.fsm.Event(context.Background(), eventSendInvite); err != nil {
		return err
	}
	d.armInviteTimeout()
	return nil
}

// HandleProvisional advances the dialog on a 1xx response (180/183),
// with or without early media (an SDP body).
func (d *Dialog) HandleProvisional(hasBody bool) error {
	if hasBody {
		return d.fsm.Event(context.Background(), eventEarlyMedia)
	}
	return d.fsm.Event(context.Background(), eventProvisional)
}

// HandleAnswer advances the dialog on the 200 OK final response. For a
// UAC it stops the INVITE timer since a final response arrived; a UAS
// keeps it armed until HandleAck.
func (d *Dialog) HandleAnswer(remoteTag string) error {
	d.mu.Lock()
	if remoteTag != "" {
		d.RemoteTag = remoteTag
	}
	if d.Role == RoleUAC {
		d.disarmInviteTimeout()
	}
	d.mu.Unlock()
	return d.fsm.Event(context.Background(), eventAnswer)
}

// HandleAck advances an UAS dialog from ANSWERED to ESTABLISHED.
func (d *Dialog) HandleAck() error {
	d.mu.Lock()
	d.disarmInviteTimeout()
	d.mu.Unlock()
	return d.fsm.Event(context.Background(), eventAck)
}

// HandleRejectOrTimeout advances the dialog to TERMINATED on a non-2xx
// final response, a CANCEL's 487, or the INVITE timer firing.
func (d *Dialog) HandleRejectOrTimeout() error {
	d.mu.Lock()
	d.disarmInviteTimeout()
	d.mu.Unlock()
	return d.fsm.Event(context.Background(), eventRejectOrFail)
}

// HandleCancel advances a not-yet-answered dialog toward termination.
func (d *Dialog) HandleCancel() error {
	return d.fsm.Event(context.Background(), eventCancel)
}

// SendBye / HandleBye move an established dialog into TERMINATING.
func (d *Dialog) SendBye() error {
	return d.fsm.Event(context.Background(), eventSendBye)
}

func (d *Dialog) HandleBye() error {
	return d.fsm.Event(context.Background(), eventRecvBye)
}

// Close finishes the teardown, transitioning TERMINATING -> TERMINATED
// once the BYE's 200 OK (or its own send) has been accounted for.
func (d *Dialog) Close() error {
	d.mu.Lock()
	d.disarmInviteTimeout()
	d.mu.Unlock()
	if d.fsm.Current() == StateTerminated.String() {
		return nil
	}
	return d.fsm.Event(context.Background(), eventTerminateDone)
}

// CacheResponse stores the last response sent to a request, so a
// retransmitted request (duplicate CSeq/method, lost ACK/200 OK on the
// wire) can be answered without re-running side effects.
func (d *Dialog) CacheResponse(resp *sipmsg.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastResponse = resp
}

// CachedResponse returns the last cached response, if any.
func (d *Dialog) CachedResponse() *sipmsg.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResponse
}

func (d *Dialog) armInviteTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disarmInviteTimeout()
	d.inviteTimer = time.AfterFunc(inviteTimeout, func() {
		d.logger.Warn("dialog INVITE timed out", "call_id", d.CallID)
		_ = d.HandleRejectOrTimeout()
	})
}

// disarmInviteTimeout stops and clears any pending INVITE timer.
// Callers must hold d.mu.
func (d *Dialog) disarmInviteTimeout() {
	if d.inviteTimer != nil {
		d.inviteTimer.Stop()
		d.inviteTimer = nil
	}
}

func genTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// tagFromHeader extracts the "tag=" parameter from a From/To header
// value ("<sip:a@b>;tag=abc123").
func tagFromHeader(header string) string {
	const marker = "tag="
	idx := strings.Index(header, marker)
	if idx == -1 {
		return ""
	}
	rest := header[idx+len(marker):]
	if semi := strings.IndexByte(rest, ';'); semi != -1 {
		rest = rest[:semi]
	}
	return strings.TrimSpace(rest)
}
