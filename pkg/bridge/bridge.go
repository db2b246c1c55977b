// Package bridge implements the Media Bridge spec §4.8 describes: a
// VAD-gated turn state machine (LISTENING -> CAPTURING -> INFERRING ->
// SPEAKING -> LISTENING) sitting between an rtpengine.Engine and an
// external inference Pipeline, with barge-in pause/resume. Grounded on
// the teacher's pkg/media/session.go buffer-accumulation pattern
// (audioBuffer/bufferMutex, flush-on-threshold via addToAudioBuffer),
// adapted from a fixed-ptime flush to a VAD-gated turn buffer.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coredial/voicerelay/pkg/codec"
	"github.com/coredial/voicerelay/pkg/rtpengine"
	"github.com/coredial/voicerelay/pkg/rtpwire"
)

// State is one of the Media Bridge's turn states, per spec §3.
type State int

const (
	StateListening State = iota
	StateCapturing
	StateInferring
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateCapturing:
		return "capturing"
	case StateInferring:
		return "inferring"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// VAD decides whether one decoded linear-PCM frame contains speech.
// An external collaborator; no concrete implementation ships here per
// spec §1/§6 Non-goals.
type VAD interface {
	IsSpeech(pcmFrame []byte) bool
}

// Lang is a BCP-47-style language tag ("en-US"), or "" when no
// language is known/hinted yet.
type Lang string

// Pipeline runs one inference turn over captured linear PCM, optionally
// hinted with the language detected on a prior turn, and returns the
// linear-PCM audio to speak back plus the language it detected for
// this turn, or an error. An external collaborator; no concrete
// implementation ships here. Per spec §9's design note and §4.8:
// infer(turn, hint_lang) -> (PCM, Lang).
type Pipeline interface {
	Infer(ctx context.Context, pcm []byte, hintLang Lang) (responsePCM []byte, detected Lang, err error)
}

const (
	// DefaultEndpointSilenceFrames is how many consecutive non-speech
	// frames (at 20ms/frame) end a capturing turn: 200ms.
	DefaultEndpointSilenceFrames = 10
	// DefaultMinimumSpeechFrames is the fewest speech frames a turn
	// must accumulate before silence is allowed to end it, so a single
	// short blip doesn't trigger inference: 1000ms.
	DefaultMinimumSpeechFrames = 50
	// DefaultBargeInFrames is how many consecutive speech frames
	// during SPEAKING are required to interrupt playback.
	DefaultBargeInFrames = 2
	// PipelineTimeout bounds a single inference call.
	PipelineTimeout = 15 * time.Second
)

// Options configures a Bridge.
type Options struct {
	VAD      VAD
	Pipeline Pipeline
	Engine   *rtpengine.Engine

	EndpointSilenceFrames int // 0 => DefaultEndpointSilenceFrames
	MinimumSpeechFrames   int // 0 => DefaultMinimumSpeechFrames
	BargeInFrames         int // 0 => DefaultBargeInFrames
	PipelineTimeout       time.Duration

	// HintLang seeds the language hint passed on the first turn; later
	// turns are hinted with the previous turn's detected language.
	HintLang Lang

	Logger *slog.Logger
}

// Bridge drives one dialog's turn-taking between the caller's audio
// and an inference Pipeline.
type Bridge struct {
	vad      VAD
	pipeline Pipeline
	engine   *rtpengine.Engine

	endpointSilenceFrames int
	minimumSpeechFrames   int
	bargeInFrames         int
	pipelineTimeout       time.Duration

	mu           sync.Mutex
	state        State
	captured     []byte
	silenceRun   int
	speechFrames int
	bargeInRun   int
	inferring    bool
	lang         Lang // last detected language, fed back as the next turn's hint

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Bridge. Call Start to begin consuming the engine's
// received packets.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.PipelineTimeout
	if timeout == 0 {
		timeout = PipelineTimeout
	}
	endpointSilence := opts.EndpointSilenceFrames
	if endpointSilence == 0 {
		endpointSilence = DefaultEndpointSilenceFrames
	}
	minimumSpeech := opts.MinimumSpeechFrames
	if minimumSpeech == 0 {
		minimumSpeech = DefaultMinimumSpeechFrames
	}
	bargeIn := opts.BargeInFrames
	if bargeIn == 0 {
		bargeIn = DefaultBargeInFrames
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		vad:                   opts.VAD,
		pipeline:              opts.Pipeline,
		engine:                opts.Engine,
		endpointSilenceFrames: endpointSilence,
		minimumSpeechFrames:   minimumSpeech,
		bargeInFrames:         bargeIn,
		pipelineTimeout:       timeout,
		lang:                  opts.HintLang,
		logger:                logger,
		ctx:                   ctx,
		cancel:                cancel,
	}
}

// State returns the bridge's current turn state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start spawns the goroutine consuming the engine's received packets.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop signals the consumer goroutine to exit and waits for it.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case pkt, ok := <-b.engine.Receive():
			if !ok {
				return
			}
			b.feed(pkt)
		}
	}
}

func (b *Bridge) feed(pkt rtpwire.Packet) {
	pcm := decodeFrame(pkt)
	speech := b.vad != nil && b.vad.IsSpeech(pcm)

	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	switch state {
	case StateListening:
		if speech {
			b.mu.Lock()
			b.state = StateCapturing
			b.captured = append([]byte(nil), pcm...)
			b.speechFrames = 1
			b.silenceRun = 0
			b.mu.Unlock()
		}
	case StateCapturing:
		b.mu.Lock()
		b.captured = append(b.captured, pcm...)
		if speech {
			b.speechFrames++
			b.silenceRun = 0
		} else {
			b.silenceRun++
		}
		cut := b.silenceRun >= b.endpointSilenceFrames && b.speechFrames >= b.minimumSpeechFrames
		var captured []byte
		if cut {
			captured = b.captured
			b.captured = nil
			b.state = StateInferring
			b.inferring = true
		}
		b.mu.Unlock()
		if cut {
			// Sustained silence ends any barge-in pause.
			b.engine.Resume()
			go b.runInference(captured)
		}
	case StateSpeaking:
		if speech {
			b.mu.Lock()
			b.bargeInRun++
			run := b.bargeInRun
			b.mu.Unlock()
			if run >= b.bargeInFrames {
				b.bargeIn()
			}
		} else {
			b.mu.Lock()
			b.bargeInRun = 0
			b.mu.Unlock()
		}
	case StateInferring:
		// Ignore incoming audio while a turn's inference is in
		// flight; at most one inference runs at a time.
	}
}

func (b *Bridge) bargeIn() {
	b.engine.Pause()
	b.mu.Lock()
	b.state = StateCapturing
	b.captured = nil
	b.speechFrames = 1
	b.silenceRun = 0
	b.bargeInRun = 0
	b.mu.Unlock()
}

func (b *Bridge) runInference(capturedPCM []byte) {
	ctx, cancel := context.WithTimeout(b.ctx, b.pipelineTimeout)
	defer cancel()

	b.mu.Lock()
	hint := b.lang
	b.mu.Unlock()

	response, detected, err := b.pipeline.Infer(ctx, capturedPCM, hint)

	b.mu.Lock()
	b.inferring = false
	if err != nil {
		b.logger.Warn("bridge: inference failed", "error", err)
		b.state = StateListening
		b.mu.Unlock()
		return
	}
	if detected != "" {
		b.lang = detected
	}
	b.state = StateSpeaking
	b.mu.Unlock()

	b.speak(response)
}

func (b *Bridge) speak(pcm []byte) {
	defer func() {
		b.mu.Lock()
		b.state = StateListening
		b.speechFrames = 0
		b.silenceRun = 0
		b.mu.Unlock()
	}()

	pt := b.engine.PayloadType()
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
		b.engine.Enqueue(encoded)
	}
}

func decodeFrame(pkt rtpwire.Packet) []byte {
	if pkt.PayloadType == rtpwire.PayloadTypePCMU {
		return codec.DecodeULaw(pkt.Payload)
	}
	return codec.DecodeALaw(pkt.Payload)
}
