package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredial/voicerelay/pkg/codec"
	"github.com/coredial/voicerelay/pkg/rtpengine"
	"github.com/coredial/voicerelay/pkg/rtpwire"
)

// fixedVAD reports speech for the first N calls, then silence forever.
type fixedVAD struct {
	speechCallsLeft int
}

func (v *fixedVAD) IsSpeech(_ []byte) bool {
	if v.speechCallsLeft > 0 {
		v.speechCallsLeft--
		return true
	}
	return false
}

type canned struct {
	pcm  []byte
	lang Lang
}

func (c *canned) Infer(_ context.Context, _ []byte, hint Lang) ([]byte, Lang, error) {
	if c.lang == "" {
		return c.pcm, hint, nil
	}
	return c.pcm, c.lang, nil
}

func mustUDPAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	return addr
}

func TestBridgeCapturesAndSpeaksATurn(t *testing.T) {
	peerConn, err := net.ListenUDP("udp", mustUDPAddr(t))
	require.NoError(t, err)
	defer peerConn.Close()

	engine, err := rtpengine.New(rtpengine.Options{
		LocalAddr:   mustUDPAddr(t),
		RemoteAddr:  peerConn.LocalAddr().(*net.UDPAddr),
		SSRC:        1,
		PayloadType: rtpwire.PayloadTypePCMA,
	})
	require.NoError(t, err)
	defer engine.Stop()

	vad := &fixedVAD{speechCallsLeft: 8} // the 8 speech frames below clear MinimumSpeechFrames; the rest are silence
	pipeline := &canned{pcm: make([]byte, codec.FrameBytes*2)}

	b := New(Options{
		VAD:                   vad,
		Pipeline:              pipeline,
		Engine:                engine,
		EndpointSilenceFrames: 3,
		MinimumSpeechFrames:   5,
	})
	b.Start()
	defer b.Stop()

	callerConn, err := net.ListenUDP("udp", mustUDPAddr(t))
	require.NoError(t, err)
	defer callerConn.Close()

	// Feed enough "speech" frames to satisfy MinimumSpeechFrames, then
	// enough silence frames to cross EndpointSilenceFrames and cut the
	// turn.
	for i := 0; i < 8; i++ {
		sendFrame(t, callerConn, engine.LocalPort(), uint16(i), uint32(i*160))
	}
	for i := 8; i < 12; i++ {
		sendFrame(t, callerConn, engine.LocalPort(), uint16(i), uint32(i*160))
	}

	require.Eventually(t, func() bool {
		return b.State() == StateSpeaking || b.State() == StateListening
	}, time.Second, 10*time.Millisecond)

	peerConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := rtpwire.Unpack(buf[:n])
	require.NoError(t, err)
	require.Equal(t, rtpwire.PayloadTypePCMA, pkt.PayloadType)
}

func sendFrame(t *testing.T, conn *net.UDPConn, port int, seq uint16, ts uint32) {
	t.Helper()
	pkt := rtpwire.Packet{
		Version:     2,
		PayloadType: rtpwire.PayloadTypePCMA,
		Sequence:    seq,
		Timestamp:   ts,
		SSRC:        42,
		Payload:     codec.SilenceFrame(8, 160),
	}
	wire, err := rtpwire.Pack(pkt)
	require.NoError(t, err)
	dst, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	dst.Port = port
	_, err = conn.WriteToUDP(wire, dst)
	require.NoError(t, err)
}

func TestStateStringCoversAllStates(t *testing.T) {
	for _, s := range []State{StateListening, StateCapturing, StateInferring, StateSpeaking} {
		require.NotEqual(t, "unknown", s.String())
	}
}

type recordingHintPipeline struct {
	lastHint Lang
	pcm      []byte
}

func (p *recordingHintPipeline) Infer(_ context.Context, _ []byte, hint Lang) ([]byte, Lang, error) {
	p.lastHint = hint
	return p.pcm, "es-MX", nil
}

func TestBridgeFeedsDetectedLanguageBackAsNextHint(t *testing.T) {
	peerConn, err := net.ListenUDP("udp", mustUDPAddr(t))
	require.NoError(t, err)
	defer peerConn.Close()

	engine, err := rtpengine.New(rtpengine.Options{
		LocalAddr:   mustUDPAddr(t),
		RemoteAddr:  peerConn.LocalAddr().(*net.UDPAddr),
		SSRC:        1,
		PayloadType: rtpwire.PayloadTypePCMA,
	})
	require.NoError(t, err)
	defer engine.Stop()

	pipeline := &recordingHintPipeline{pcm: make([]byte, codec.FrameBytes)}
	b := New(Options{
		Engine:   engine,
		Pipeline: pipeline,
		HintLang: "en-US",
	})

	b.runInference([]byte{0, 0})
	require.Equal(t, Lang("en-US"), pipeline.lastHint)
	require.Equal(t, Lang("es-MX"), b.lang)

	b.runInference([]byte{0, 0})
	require.Equal(t, Lang("es-MX"), pipeline.lastHint)
}
