// Package supervisor implements the Call Supervisor spec §4.9
// describes: it owns the dialog table, binds the SIP UDP listener,
// routes Control Channel commands to dialog operations, and wires each
// established dialog's RTP Engine and Media Bridge together. Grounded
// on the teacher's pkg/sip/stack/stack.go (a facade struct holding the
// transport/transaction/dialog managers, with a message-handler
// callback dispatching by datagram).
package supervisor

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coredial/voicerelay/pkg/bridge"
	"github.com/coredial/voicerelay/pkg/codec"
	"github.com/coredial/voicerelay/pkg/control"
	"github.com/coredial/voicerelay/pkg/dialog"
	"github.com/coredial/voicerelay/pkg/metrics"
	"github.com/coredial/voicerelay/pkg/portalloc"
	"github.com/coredial/voicerelay/pkg/rtpengine"
	"github.com/coredial/voicerelay/pkg/rtpwire"
	"github.com/coredial/voicerelay/pkg/sdp"
	"github.com/coredial/voicerelay/pkg/sipmsg"
)

// call bundles everything a single ESTABLISHED (or establishing)
// dialog owns: its state machine, its RTP engine, its media bridge,
// and the port pair reserved for it.
type call struct {
	dialog     *dialog.Dialog
	engine     *rtpengine.Engine
	bridge     *bridge.Bridge
	ports      portalloc.Pair
	peer       *net.UDPAddr
	inviteCSeq uint32 // the CSeq number used on our own INVITE, for its ACK
}

// Options configures a Supervisor.
type Options struct {
	SIPAddr       *net.UDPAddr
	RTPPortStart  int
	RTPPortEnd    int
	PublicRTPHost string // IP advertised in our SDP answers
	ProxyTarget   *net.UDPAddr // where outbound INVITEs (CALL:<number>) are sent

	Control        *control.Channel
	DialogMetrics  *metrics.DialogMetrics
	RTPMetrics     *metrics.RTPMetrics

	VAD      bridge.VAD
	Pipeline bridge.Pipeline

	// GreetingPCM, if set, is linear PCM played into every inbound
	// dialog's RTP Engine the instant it reaches ESTABLISHED (spec
	// §4.5's "optionally play a greeting WAV"; see SPEC_FULL §11).
	GreetingPCM []byte

	// OnCallEnded, if set, receives the ended call's recorded WAV bytes
	// (the received leg, decoded and re-encoded per spec §4.3) once its
	// dialog tears down.
	OnCallEnded func(callID string, wav []byte)

	Logger *slog.Logger
}

// Supervisor is the top-level call-handling facade: one SIP UDP
// socket, a pool of RTP ports, and a table of active calls keyed by
// Call-ID.
type Supervisor struct {
	opts Options
	conn *net.UDPConn
	pool *portalloc.Allocator

	mu    sync.Mutex
	calls map[string]*call
	order []string // Call-IDs in creation order, for "most recent" routing

	logger *slog.Logger
}

// New binds the SIP UDP socket and the RTP port pool.
func New(opts Options) (*Supervisor, error) {
	conn, err := net.ListenUDP("udp", opts.SIPAddr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: bind SIP socket: %w", err)
	}
	pool, err := portalloc.New(opts.RTPPortStart, opts.RTPPortEnd)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		conn:   conn,
		pool:   pool,
		calls:  make(map[string]*call),
		logger: logger,
	}, nil
}

// Run drives both the SIP read loop and the Control Channel read loop
// until stopped externally (e.g. by closing the supervisor's socket).
func (s *Supervisor) Run() {
	go s.sipReadLoop()
	if s.opts.Control != nil {
		go s.controlReadLoop()
	}
}

// Close tears down every active call and releases the SIP socket.
func (s *Supervisor) Close() {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()
	for _, id := range ids {
		s.teardown(id, true)
	}
	s.conn.Close()
}

func (s *Supervisor) sipReadLoop() {
	buf := make([]byte, sipmsg.MaxDatagramSize)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.logger.Debug("supervisor: SIP read loop exiting", "error", err)
			return
		}
		msg, err := sipmsg.ParseMessage(buf[:n])
		if err != nil {
			s.logger.Warn("supervisor: dropping malformed SIP datagram", "error", err)
			continue
		}
		s.handleSIP(msg, remote)
	}
}

func (s *Supervisor) handleSIP(msg *sipmsg.Message, remote *net.UDPAddr) {
	if !msg.IsRequest() {
		s.handleResponse(msg)
		return
	}
	switch msg.Method {
	case sipmsg.MethodINVITE:
		s.handleInvite(msg, remote)
	case sipmsg.MethodACK:
		s.handleAck(msg)
	case sipmsg.MethodBYE:
		s.handleBye(msg, remote)
	case sipmsg.MethodCANCEL:
		s.handleCancel(msg, remote)
	default:
		s.logger.Debug("supervisor: ignoring unsupported method", "method", msg.Method)
	}
}

func (s *Supervisor) handleInvite(req *sipmsg.Message, remote *net.UDPAddr) {
	callID := req.Header("Call-ID")

	s.mu.Lock()
	existing := s.calls[callID]
	s.mu.Unlock()
	if existing != nil {
		cseq, ok := req.CSeq()
		if !ok || !existing.dialog.AcceptsRemoteCSeq(cseq) {
			// Retransmission of the same request (or a stale one):
			// answer with the cached response, per spec §4.5's tie-break,
			// without re-entering the state machine.
			if cached := existing.dialog.CachedResponse(); cached != nil {
				s.send(cached, remote)
			}
			return
		}
		// A second, genuinely new INVITE on a Call-ID we already have a
		// dialog for (re-INVITE/glare); spec §4.5 says reject outright.
		existing.dialog.RecordRemoteCSeq(cseq)
		resp := s.respondTo(req, existing.dialog, 488, "Not Acceptable Here")
		s.send(resp, remote)
		return
	}

	d, err := dialog.NewInbound(req, s.logger)
	if err != nil {
		s.logger.Warn("supervisor: rejecting malformed INVITE", "error", err)
		return
	}

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		s.logger.Warn("supervisor: rejecting INVITE with bad SDP", "error", err)
		resp := s.respondTo(req, d, 400, "Bad Request")
		s.send(resp, remote)
		return
	}

	pair, err := s.pool.Allocate()
	if err != nil {
		s.logger.Warn("supervisor: rejecting INVITE, RTP ports exhausted", "error", err)
		resp := s.respondTo(req, d, 503, "Service Unavailable")
		s.send(resp, remote)
		return
	}

	media, _ := offer.FirstAudioMedia()
	pt := payloadTypeFromMedia(media)
	remoteRTPAddr, err := remoteMediaAddr(offer, media)
	if err != nil {
		s.pool.Release(pair)
		resp := s.respondTo(req, d, 400, "Bad Request")
		s.send(resp, remote)
		return
	}

	engine, err := rtpengine.New(rtpengine.Options{
		LocalAddr:   &net.UDPAddr{IP: net.IPv4zero, Port: pair.RTP},
		RemoteAddr:  remoteRTPAddr,
		SSRC:        newSSRC(),
		PayloadType: pt,
		Sink:        s.rtpSink(),
		Metrics:     s.opts.RTPMetrics,
		Logger:      s.logger,
	})
	if err != nil {
		s.pool.Release(pair)
		resp := s.respondTo(req, d, 500, "Server Internal Error")
		s.send(resp, remote)
		return
	}

	b := bridge.New(bridge.Options{
		VAD:      s.opts.VAD,
		Pipeline: s.opts.Pipeline,
		Engine:   engine,
		Logger:   s.logger,
	})

	d.GreetingPCM = s.opts.GreetingPCM

	c := &call{dialog: d, engine: engine, bridge: b, ports: pair, peer: remote}
	s.addCall(callID, c)

	if s.opts.DialogMetrics != nil {
		s.opts.DialogMetrics.DialogsTotal.Inc()
		s.opts.DialogMetrics.DialogsActive.Inc()
	}
	d.OnStateChange(func(st dialog.State) {
		if s.opts.DialogMetrics != nil {
			s.opts.DialogMetrics.StateTransitions.WithLabelValues(st.String()).Inc()
		}
		if st == dialog.StateEstablished {
			s.playGreeting(c)
		}
	})

	answer := s.buildAnswerSDP(pair.RTP, pt)
	resp := s.respondTo(req, d, 200, "OK")
	resp.SetHeader("Content-Type", "application/sdp")
	resp.SetBody(answer.Serialize())
	d.CacheResponse(resp)
	_ = d.HandleAnswer("")
	s.send(resp, remote)
	s.emit(control.TagRingAns, callerFromFrom(req.Header("From")))

	b.Start()
}

func (s *Supervisor) handleAck(req *sipmsg.Message) {
	c := s.lookup(req.Header("Call-ID"))
	if c == nil {
		return
	}
	if err := c.dialog.HandleAck(); err != nil {
		s.logger.Debug("supervisor: ACK ignored", "error", err)
	}
}

func (s *Supervisor) handleBye(req *sipmsg.Message, remote *net.UDPAddr) {
	callID := req.Header("Call-ID")
	c := s.lookup(callID)
	if c == nil {
		return
	}
	if err := c.dialog.HandleBye(); err != nil {
		s.logger.Debug("supervisor: BYE ignored", "error", err)
		return
	}
	resp := s.respondTo(req, c.dialog, 200, "OK")
	s.send(resp, remote)
	s.emit(control.TagBye, callID)
	s.teardown(callID, true)
}

// handleCancel implements spec §4.5's "treat as BYE without recording":
// a 200 OK answers the CANCEL itself, a 487 terminates the original
// INVITE transaction, the call's ports/engine/bridge are released
// without writing a WAV, and RING_IGNORE is emitted to the UI.
func (s *Supervisor) handleCancel(req *sipmsg.Message, remote *net.UDPAddr) {
	callID := req.Header("Call-ID")
	c := s.lookup(callID)
	if c == nil {
		return
	}

	cancelOK := s.respondTo(req, c.dialog, 200, "OK")
	s.send(cancelOK, remote)

	if err := c.dialog.HandleCancel(); err != nil {
		s.logger.Debug("supervisor: CANCEL ignored", "error", err)
		return
	}

	terminated := sipmsg.NewResponse(487, "Request Terminated")
	terminated.SIPVersion = req.SIPVersion
	terminated.SetHeader("Via", req.Header("Via"))
	terminated.SetHeader("From", req.Header("From"))
	terminated.SetHeader("To", fmt.Sprintf("%s;tag=%s", req.Header("To"), c.dialog.LocalTag))
	terminated.SetHeader("Call-ID", callID)
	if cseq, ok := req.CSeq(); ok {
		terminated.SetHeader("CSeq", fmt.Sprintf("%d %s", cseq.Number, sipmsg.MethodINVITE))
	}
	terminated.SetHeader("Content-Length", "0")
	s.send(terminated, remote)

	s.emit(control.TagRingIgnore, callerFromFrom(req.Header("From")))
	s.teardown(callID, false)
}

func (s *Supervisor) handleResponse(resp *sipmsg.Message) {
	callID := resp.Header("Call-ID")
	c := s.lookup(callID)
	if c == nil {
		return
	}
	switch {
	case resp.StatusCode == 180:
		_ = c.dialog.HandleProvisional(len(resp.Body()) > 0)
		s.emit(control.TagCallIgnore, callID)
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		_ = c.dialog.HandleProvisional(len(resp.Body()) > 0)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_ = c.dialog.HandleAnswer(tagFromTo(resp.Header("To")))
		ack := sipmsg.NewRequest(sipmsg.MethodACK, c.dialog.RemoteURI)
		ack.SetHeader("Via", fmt.Sprintf("SIP/2.0/UDP %s;branch=%s", s.localSIPAddr(), genBranch()))
		ack.SetHeader("Max-Forwards", "70")
		ack.SetHeader("Call-ID", callID)
		ack.SetHeader("CSeq", fmt.Sprintf("%d %s", c.inviteCSeq, sipmsg.MethodACK))
		ack.SetHeader("Content-Length", "0")
		s.send(ack, c.peer)
		s.emit(control.TagCallAns, callID)
	default:
		_ = c.dialog.HandleRejectOrTimeout()
		s.emit(control.TagCallFailed, fmt.Sprintf("%d %s", resp.StatusCode, resp.ReasonPhrase))
		s.teardown(callID, true)
	}
}

func (s *Supervisor) controlReadLoop() {
	for frame := range s.opts.Control.Receive() {
		cmd, err := control.Parse(frame)
		if err != nil {
			s.logger.Warn("supervisor: dropping malformed control frame", "error", err)
			continue
		}
		s.handleControl(cmd)
	}
}

func (s *Supervisor) handleControl(cmd control.Command) {
	switch cmd.Tag {
	case control.TagCall:
		s.placeOutboundCall(cmd.Content)
	case control.TagHangup:
		s.hangupMostRecent()
	default:
		s.logger.Debug("supervisor: informational control frame", "tag", cmd.Tag, "content", cmd.Content)
	}
}

func (s *Supervisor) placeOutboundCall(phoneNumber string) {
	if s.opts.ProxyTarget == nil {
		s.logger.Warn("supervisor: cannot place outbound call, no proxy target configured")
		return
	}

	callID := uuid.NewString()
	localURI := fmt.Sprintf("sip:relay@%s", s.opts.SIPAddr.String())
	remoteURI := fmt.Sprintf("sip:%s@%s", phoneNumber, s.opts.ProxyTarget.String())

	d := dialog.NewOutbound(localURI, remoteURI, s.logger)
	pair, err := s.pool.Allocate()
	if err != nil {
		s.logger.Warn("supervisor: cannot place outbound call, RTP ports exhausted", "error", err)
		return
	}

	engine, err := rtpengine.New(rtpengine.Options{
		LocalAddr:   &net.UDPAddr{IP: net.IPv4zero, Port: pair.RTP},
		SSRC:        newSSRC(),
		PayloadType: rtpwire.PayloadTypePCMA,
		Sink:        s.rtpSink(),
		Metrics:     s.opts.RTPMetrics,
		Logger:      s.logger,
	})
	if err != nil {
		s.pool.Release(pair)
		return
	}
	b := bridge.New(bridge.Options{VAD: s.opts.VAD, Pipeline: s.opts.Pipeline, Engine: engine, Logger: s.logger})

	c := &call{dialog: d, engine: engine, bridge: b, ports: pair, peer: s.opts.ProxyTarget}
	c.dialog.CallID = callID
	s.addCall(callID, c)

	offer := s.buildOfferSDP(pair.RTP, rtpwire.PayloadTypePCMA)
	cseq := d.NextCSeq()
	c.inviteCSeq = cseq
	invite := sipmsg.NewRequest(sipmsg.MethodINVITE, remoteURI)
	invite.SetHeader("Via", fmt.Sprintf("SIP/2.0/UDP %s;branch=%s", s.localSIPAddr(), genBranch()))
	invite.SetHeader("Max-Forwards", "70")
	invite.SetHeader("Call-ID", callID)
	invite.SetHeader("From", fmt.Sprintf("<%s>;tag=%s", localURI, d.LocalTag))
	invite.SetHeader("To", fmt.Sprintf("<%s>", remoteURI))
	invite.SetHeader("CSeq", fmt.Sprintf("%d %s", cseq, sipmsg.MethodINVITE))
	invite.SetHeader("Content-Type", "application/sdp")
	invite.SetBody(offer.Serialize())

	if err := d.SendInvite(); err != nil {
		s.logger.Warn("supervisor: cannot send INVITE", "error", err)
		return
	}
	s.send(invite, s.opts.ProxyTarget)
	b.Start()
}

func (s *Supervisor) hangupMostRecent() {
	s.mu.Lock()
	var target string
	for i := len(s.order) - 1; i >= 0; i-- {
		c := s.calls[s.order[i]]
		if c != nil && c.dialog.State() == dialog.StateEstablished {
			target = s.order[i]
			break
		}
	}
	s.mu.Unlock()
	if target == "" {
		return
	}

	c := s.lookup(target)
	if c == nil {
		return
	}
	if err := c.dialog.SendBye(); err != nil {
		return
	}
	bye := sipmsg.NewRequest(sipmsg.MethodBYE, c.dialog.RemoteURI)
	bye.SetHeader("Via", fmt.Sprintf("SIP/2.0/UDP %s;branch=%s", s.localSIPAddr(), genBranch()))
	bye.SetHeader("Max-Forwards", "70")
	bye.SetHeader("Call-ID", target)
	bye.SetHeader("From", fmt.Sprintf("<%s>;tag=%s", c.dialog.LocalURI, c.dialog.LocalTag))
	bye.SetHeader("To", fmt.Sprintf("<%s>;tag=%s", c.dialog.RemoteURI, c.dialog.RemoteTag))
	bye.SetHeader("CSeq", fmt.Sprintf("%d %s", c.dialog.NextCSeq(), sipmsg.MethodBYE))
	bye.SetHeader("Content-Length", "0")
	s.send(bye, c.peer)
	s.teardown(target, true)
}

func (s *Supervisor) addCall(callID string, c *call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[callID] = c
	s.order = append(s.order, callID)
}

func (s *Supervisor) lookup(callID string) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID]
}

func (s *Supervisor) teardown(callID string, record bool) {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if ok {
		delete(s.calls, callID)
		for i, id := range s.order {
			if id == callID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	c.bridge.Stop()
	c.engine.Stop()
	s.pool.Release(c.ports)
	_ = c.dialog.Close()
	if s.opts.DialogMetrics != nil {
		s.opts.DialogMetrics.DialogsActive.Dec()
	}

	if record && s.opts.OnCallEnded != nil {
		if recorded := c.engine.RecordedPCM(); len(recorded) > 0 {
			s.opts.OnCallEnded(callID, codec.EncodeWAV(recorded))
		}
	}
}

func (s *Supervisor) respondTo(req *sipmsg.Message, d *dialog.Dialog, status int, reason string) *sipmsg.Message {
	resp := sipmsg.NewResponse(status, reason)
	resp.SIPVersion = req.SIPVersion
	resp.SetHeader("Via", req.Header("Via"))
	resp.SetHeader("From", req.Header("From"))
	resp.SetHeader("To", fmt.Sprintf("%s;tag=%s", req.Header("To"), d.LocalTag))
	resp.SetHeader("Call-ID", req.Header("Call-ID"))
	resp.SetHeader("CSeq", req.Header("CSeq"))
	if status == 200 {
		resp.SetHeader("Contact", fmt.Sprintf("<sip:relay@%s>", s.localSIPAddr()))
	}
	resp.SetHeader("Content-Length", "0")
	return resp
}

func (s *Supervisor) send(msg *sipmsg.Message, to *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(msg.Serialize(), to); err != nil {
		s.logger.Warn("supervisor: SIP write failed", "error", err)
	}
}

func (s *Supervisor) buildAnswerSDP(rtpPort int, pt rtpwire.PayloadType) *sdp.Message {
	return s.buildSDP(rtpPort, pt)
}

func (s *Supervisor) buildOfferSDP(rtpPort int, pt rtpwire.PayloadType) *sdp.Message {
	return s.buildSDP(rtpPort, pt)
}

func (s *Supervisor) buildSDP(rtpPort int, pt rtpwire.PayloadType) *sdp.Message {
	host := s.opts.PublicRTPHost
	if host == "" && s.opts.SIPAddr != nil && s.opts.SIPAddr.IP != nil {
		host = s.opts.SIPAddr.IP.String()
	}
	if host == "" {
		host = "0.0.0.0"
	}
	codecName := "PCMA/8000"
	if pt == rtpwire.PayloadTypePCMU {
		codecName = "PCMU/8000"
	}
	return &sdp.Message{
		Version:    "0",
		Origin:     fmt.Sprintf("- %d %d IN IP4 %s", time.Now().Unix()%1_000_000, 1, host),
		Session:    "voicerelay",
		Connection: fmt.Sprintf("IN IP4 %s", host),
		Timing:     []string{"0 0"},
		Media: []sdp.MediaDescription{
			{
				Media:      fmt.Sprintf("audio %d RTP/AVP %d", rtpPort, uint8(pt)),
				Attributes: []string{fmt.Sprintf("rtpmap:%d %s", uint8(pt), codecName)},
			},
		},
	}
}

// payloadTypeFromMedia prefers PCMA (8) when both PCMA and PCMU (0)
// are offered, falling back to PCMU if PCMA is absent.
func payloadTypeFromMedia(media sdp.MediaDescription) rtpwire.PayloadType {
	fields := strings.Fields(media.Media)
	if len(fields) <= 3 {
		return rtpwire.PayloadTypePCMA
	}
	formats := fields[3:]
	for _, f := range formats {
		if f == "8" {
			return rtpwire.PayloadTypePCMA
		}
	}
	for _, f := range formats {
		if f == "0" {
			return rtpwire.PayloadTypePCMU
		}
	}
	return rtpwire.PayloadTypePCMA
}

func remoteMediaAddr(offer *sdp.Message, media sdp.MediaDescription) (*net.UDPAddr, error) {
	conn := offer.EffectiveConnection(media)
	fields := strings.Fields(conn)
	if len(fields) != 3 {
		return nil, fmt.Errorf("supervisor: malformed connection line %q", conn)
	}
	ip := fields[2]
	portFields := strings.Fields(media.Media)
	if len(portFields) < 2 {
		return nil, fmt.Errorf("supervisor: malformed media line %q", media.Media)
	}
	port := portFields[1]
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ip, port))
}

func tagFromTo(to string) string {
	const marker = "tag="
	idx := strings.Index(to, marker)
	if idx == -1 {
		return ""
	}
	rest := to[idx+len(marker):]
	if semi := strings.IndexByte(rest, ';'); semi != -1 {
		rest = rest[:semi]
	}
	return rest
}

func newSSRC() uint32 {
	return uint32(time.Now().UnixNano())
}

// emit sends a Control Channel event frame, a no-op if no Control
// Channel is configured (e.g. in tests exercising SIP handling alone).
func (s *Supervisor) emit(tag control.Tag, content string) {
	if s.opts.Control == nil {
		return
	}
	cmd, err := control.New(tag, content)
	if err != nil {
		s.logger.Warn("supervisor: refusing to emit malformed control event", "error", err)
		return
	}
	s.opts.Control.Send(cmd.String())
}

// rtpSink returns the RTP Engine ingress mirror used to forward
// RTP:<pt>##<hex> frames to the Control Channel, or nil if no Control
// Channel is configured.
func (s *Supervisor) rtpSink() rtpengine.Sink {
	if s.opts.Control == nil {
		return nil
	}
	return func(frame string) {
		s.opts.Control.Send(frame)
	}
}

// playGreeting chunks and encodes a call's GreetingPCM onto its RTP
// Engine's send queue. A no-op if no greeting is configured.
func (s *Supervisor) playGreeting(c *call) {
	pcm := c.dialog.GreetingPCM
	if len(pcm) == 0 {
		return
	}
	pt := c.engine.PayloadType()
	for offset := 0; offset < len(pcm); offset += codec.FrameBytes {
		end := offset + codec.FrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := pcm[offset:end]
		var encoded []byte
		if pt == rtpwire.PayloadTypePCMU {
			encoded = codec.EncodeULaw(frame)
		} else {
			encoded = codec.EncodeALaw(frame)
		}
		c.engine.Enqueue(encoded)
	}
}

// callerFromFrom extracts the SIP URI user part from a From header
// value ("<sip:14155550100@host>;tag=abc" -> "14155550100"), for the
// RING_ANS/RING_IGNORE content the Control Channel expects.
func callerFromFrom(from string) string {
	uri := from
	if start := strings.IndexByte(uri, '<'); start != -1 {
		uri = uri[start+1:]
		if end := strings.IndexByte(uri, '>'); end != -1 {
			uri = uri[:end]
		}
	} else if semi := strings.IndexByte(uri, ';'); semi != -1 {
		uri = uri[:semi]
	}
	if at := strings.IndexByte(uri, '@'); at != -1 {
		uri = uri[:at]
	}
	if colon := strings.IndexByte(uri, ':'); colon != -1 {
		uri = uri[colon+1:]
	}
	return uri
}

// genBranch generates an RFC 3261 §8.1.1.7 magic-cookie branch
// parameter for a Via header.
func genBranch() string {
	return "z9hG4bK-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// localSIPAddr returns the address advertised in outbound Via/Contact
// headers.
func (s *Supervisor) localSIPAddr() string {
	return s.conn.LocalAddr().String()
}
