// Package rtpengine implements the per-dialog RTP send/receive engine:
// a 20ms-paced sender with VAD-driven gating and silence synthesis, a
// receiver with malformed-packet handling and WAV capture, bounded
// queues, and packet-loss statistics. Grounded on the teacher's
// pkg/media/session.go ticker+select send loop and pkg/rtp/
// rtcp_session.go's ctx-cancel sendLoop/receiveLoop pair.
package rtpengine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coredial/voicerelay/pkg/codec"
	"github.com/coredial/voicerelay/pkg/metrics"
	"github.com/coredial/voicerelay/pkg/rtpwire"
)

const (
	tickInterval    = 20 * time.Millisecond
	samplesPerFrame = 160
	recvBufferSize  = 2048
	readTimeout     = 1 * time.Second

	// DefaultQueueSize is the default bound on both send and receive
	// queues, per spec §4.3.
	DefaultQueueSize = 500

	sendEnqueueTimeout = tickInterval
)

// Sink receives outbound frames the engine wants forwarded to the
// Control Channel (an "RTP:<pt>##<hex>" frame per packet received).
// Passed in at construction instead of touching a module-level
// singleton — see spec §9's design note on eliminating global state.
type Sink func(frame string)

// Options configures a new Engine.
type Options struct {
	LocalAddr   *net.UDPAddr
	RemoteAddr  *net.UDPAddr
	SSRC        uint32
	PayloadType rtpwire.PayloadType
	SendQueue   int // 0 => DefaultQueueSize
	RecvQueue   int // 0 => DefaultQueueSize
	Sink        Sink
	Metrics     *metrics.RTPMetrics
	Logger      *slog.Logger
}

// Engine is one dialog's bound UDP RTP socket plus its sender and
// receiver loops.
type Engine struct {
	conn        *net.UDPConn
	remoteAddr  atomic.Pointer[net.UDPAddr]
	ssrc        uint32
	payloadType rtpwire.PayloadType

	sequence  uint16
	timestamp uint32

	sendQueue chan []byte
	recvQueue chan rtpwire.Packet

	paused atomic.Bool

	recvMu  sync.Mutex
	recvPCM []byte // accumulated received payload, for WAV recording
	sentMu  sync.Mutex
	sentPCM []byte // accumulated sent payload (supplemented feature)

	stats   statTracker
	metrics *metrics.RTPMetrics
	sink    Sink
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the engine's UDP socket and starts its sender and receiver
// loops. Callers must call Stop to release the socket.
func New(opts Options) (*Engine, error) {
	conn, err := net.ListenUDP("udp", opts.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("rtpengine: listen: %w", err)
	}

	sendQueue := opts.SendQueue
	if sendQueue <= 0 {
		sendQueue = DefaultQueueSize
	}
	recvQueue := opts.RecvQueue
	if recvQueue <= 0 {
		recvQueue = DefaultQueueSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:        conn,
		ssrc:        opts.SSRC,
		payloadType: opts.PayloadType,
		sendQueue:   make(chan []byte, sendQueue),
		recvQueue:   make(chan rtpwire.Packet, recvQueue),
		metrics:     opts.Metrics,
		sink:        opts.Sink,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	if opts.RemoteAddr != nil {
		e.remoteAddr.Store(opts.RemoteAddr)
	}
	// Random initial sequence, per spec S1 ("seq starting from a random
	// u16"); timestamp starts at 0.
	e.sequence = uint16(time.Now().UnixNano())

	e.wg.Add(2)
	go e.sendLoop()
	go e.receiveLoop()

	return e, nil
}

// SetRemoteAddr configures (or reconfigures) the negotiated remote
// address, e.g. once a 2xx SDP answer/offer has been parsed.
func (e *Engine) SetRemoteAddr(addr *net.UDPAddr) {
	e.remoteAddr.Store(addr)
}

// LocalPort returns the bound local UDP port.
func (e *Engine) LocalPort() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// PayloadType returns the RTP payload type this engine sends/expects.
func (e *Engine) PayloadType() rtpwire.PayloadType {
	return e.payloadType
}

// Enqueue submits one pre-encoded payload (normally 160 bytes) for the
// sender loop to send on its next tick. Overflow policy is
// block-with-timeout-then-drop: sender pacing is real time, so a full
// queue means the pipeline is over-producing and must be throttled.
func (e *Engine) Enqueue(payload []byte) {
	select {
	case e.sendQueue <- payload:
	case <-time.After(sendEnqueueTimeout):
		if e.metrics != nil {
			e.metrics.SendQueueDrops.Inc()
		}
		e.logger.Warn("rtpengine.Enqueue send queue full, dropping payload")
	case <-e.ctx.Done():
	}
}

// Pause stops the sender from dequeuing real payloads (VAD says the
// user is speaking) and immediately drains any queued audio so stale
// AI speech is never played once the user has started talking again
// (barge-in semantics).
func (e *Engine) Pause() {
	e.paused.Store(true)
	for {
		select {
		case <-e.sendQueue:
		default:
			return
		}
	}
}

// Resume allows the sender to dequeue real payloads again.
func (e *Engine) Resume() {
	e.paused.Store(false)
}

// Paused reports whether the engine is currently gated.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// Receive returns the channel of packets the receiver loop publishes,
// for the Media Bridge to consume.
func (e *Engine) Receive() <-chan rtpwire.Packet {
	return e.recvQueue
}

// Stats returns a point-in-time copy of the engine's counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// RecordedPCM returns the linear-PCM decode of everything received so
// far, for writing out as a WAV file on BYE.
func (e *Engine) RecordedPCM() []byte {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	return decodeToLinear(e.recvPCM, e.payloadType)
}

// SentPCM returns the linear-PCM decode of everything sent so far.
// Supplemented feature (see SPEC_FULL §11): recording the sent leg is
// opt-in, the spec only requires the received leg.
func (e *Engine) SentPCM() []byte {
	e.sentMu.Lock()
	defer e.sentMu.Unlock()
	return decodeToLinear(e.sentPCM, e.payloadType)
}

func decodeToLinear(companded []byte, pt rtpwire.PayloadType) []byte {
	if pt == rtpwire.PayloadTypePCMU {
		return codec.DecodeULaw(companded)
	}
	return codec.DecodeALaw(companded)
}

// Stop signals both loops to exit and closes the socket. It blocks
// until both loops have returned, within the 2s shutdown budget spec
// §5 describes.
func (e *Engine) Stop() {
	e.cancel()
	e.conn.Close()
	e.wg.Wait()
}

func (e *Engine) sendLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	e.logger.Debug("rtpengine.sendLoop Started")
	for {
		select {
		case <-e.ctx.Done():
			e.logger.Debug("rtpengine.sendLoop Stopped")
			return
		case <-ticker.C:
			e.sendTick()
		}
	}
}

func (e *Engine) sendTick() {
	var payload []byte
	if e.paused.Load() {
		payload = codec.SilenceFrame(byte(e.payloadType), samplesPerFrame)
	} else {
		select {
		case payload = <-e.sendQueue:
		default:
			payload = codec.SilenceFrame(byte(e.payloadType), samplesPerFrame)
		}
	}

	pkt := rtpwire.Packet{
		Version:     2,
		PayloadType: e.payloadType,
		Sequence:    e.sequence,
		Timestamp:   e.timestamp,
		SSRC:        e.ssrc,
		Payload:     payload,
	}
	wire, err := rtpwire.Pack(pkt)
	if err != nil {
		e.logger.Error("rtpengine.sendTick pack failed", "error", err)
		return
	}

	remote := e.remoteAddr.Load()
	if remote != nil {
		if _, err := e.conn.WriteToUDP(wire, remote); err != nil {
			e.logger.Warn("rtpengine.sendTick write failed", "error", err)
		} else if e.metrics != nil {
			e.metrics.PacketsSent.Inc()
			e.metrics.BytesSent.Add(float64(len(payload)))
		}
	}

	e.sentMu.Lock()
	e.sentPCM = append(e.sentPCM, payload...)
	e.sentMu.Unlock()

	e.sequence++
	e.timestamp += samplesPerFrame
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	buf := make([]byte, recvBufferSize)

	e.logger.Debug("rtpengine.receiveLoop Started")
	for {
		select {
		case <-e.ctx.Done():
			e.logger.Debug("rtpengine.receiveLoop Stopped")
			return
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if e.ctx.Err() != nil {
				e.logger.Debug("rtpengine.receiveLoop Stopped")
				return
			}
			e.logger.Warn("rtpengine.receiveLoop read failed", "error", err)
			continue
		}

		pkt, err := rtpwire.Unpack(buf[:n])
		if err != nil {
			e.logger.Warn("rtpengine.receiveLoop malformed packet, dropping", "error", err)
			continue
		}

		newlyLost := e.stats.observe(pkt.Sequence, len(pkt.Payload))
		if e.metrics != nil {
			e.metrics.PacketsReceived.Inc()
			e.metrics.BytesReceived.Add(float64(len(pkt.Payload)))
			if newlyLost > 0 {
				e.metrics.PacketsLost.Add(float64(newlyLost))
			}
		}

		e.recvMu.Lock()
		e.recvPCM = append(e.recvPCM, pkt.Payload...)
		e.recvMu.Unlock()

		select {
		case e.recvQueue <- pkt:
		default:
			// Drop-oldest: make room, then push.
			select {
			case <-e.recvQueue:
				if e.metrics != nil {
					e.metrics.RecvQueueDrops.Inc()
				}
			default:
			}
			select {
			case e.recvQueue <- pkt:
			default:
			}
		}

		if e.sink != nil {
			e.sink(fmt.Sprintf("RTP:%d##%s", uint8(pkt.PayloadType), hex.EncodeToString(pkt.Payload)))
		}
	}
}
