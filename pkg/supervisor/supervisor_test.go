package supervisor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredial/voicerelay/pkg/rtpwire"
	"github.com/coredial/voicerelay/pkg/sdp"
	"github.com/coredial/voicerelay/pkg/sipmsg"
)

func TestPayloadTypeFromMediaPrefersPCMA(t *testing.T) {
	require.Equal(t, rtpwire.PayloadTypePCMA, payloadTypeFromMedia(sdp.MediaDescription{Media: "audio 30000 RTP/AVP 0 8"}))
	require.Equal(t, rtpwire.PayloadTypePCMU, payloadTypeFromMedia(sdp.MediaDescription{Media: "audio 30000 RTP/AVP 0"}))
	require.Equal(t, rtpwire.PayloadTypePCMA, payloadTypeFromMedia(sdp.MediaDescription{Media: "audio 30000 RTP/AVP 8"}))
}

func TestTagFromTo(t *testing.T) {
	require.Equal(t, "abc123", tagFromTo("<sip:a@b>;tag=abc123"))
	require.Equal(t, "", tagFromTo("<sip:a@b>"))
}

func TestRemoteMediaAddrUsesMediaLevelConnection(t *testing.T) {
	offer, err := sdp.Parse([]byte(
		"v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=x\r\nc=IN IP4 1.2.3.4\r\nt=0 0\r\n" +
			"m=audio 30000 RTP/AVP 8\r\nc=IN IP4 9.9.9.9\r\na=rtpmap:8 PCMA/8000\r\n"))
	require.NoError(t, err)
	media, ok := offer.FirstAudioMedia()
	require.True(t, ok)

	addr, err := remoteMediaAddr(offer, media)
	require.NoError(t, err)
	require.Equal(t, "9.9.9.9:30000", addr.String())
}

func mustAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	return addr
}

func TestInviteAckByeLifecycle(t *testing.T) {
	sv, err := New(Options{
		SIPAddr:      mustAddr(t),
		RTPPortStart: 31000,
		RTPPortEnd:   31100,
	})
	require.NoError(t, err)
	defer sv.Close()
	sv.Run()

	phoneConn, err := net.ListenUDP("udp", mustAddr(t))
	require.NoError(t, err)
	defer phoneConn.Close()

	callID := "lifecycle-call-1"
	invite := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	invite.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:1;branch=z9hG4bK-1")
	invite.SetHeader("From", "<sip:caller@phone>;tag=caller-tag")
	invite.SetHeader("To", "<sip:relay@host>")
	invite.SetHeader("Call-ID", callID)
	invite.SetHeader("CSeq", "1 INVITE")
	invite.SetHeader("Content-Type", "application/sdp")
	invite.SetBody([]byte(
		"v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=x\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
			"m=audio " + portOf(t, phoneConn) + " RTP/AVP 8\r\na=rtpmap:8 PCMA/8000\r\n"))

	_, err = phoneConn.WriteToUDP(invite.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	resp := readSIPMessage(t, phoneConn)
	require.Equal(t, 200, resp.StatusCode)
	require.NotEmpty(t, resp.Header("To"))

	sv.mu.Lock()
	_, established := sv.calls[callID]
	sv.mu.Unlock()
	require.True(t, established)

	ack := sipmsg.NewRequest(sipmsg.MethodACK, "sip:relay@host")
	ack.SetHeader("Call-ID", callID)
	ack.SetHeader("CSeq", "1 ACK")
	_, err = phoneConn.WriteToUDP(ack.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := sv.lookup(callID)
		return c != nil
	}, time.Second, 10*time.Millisecond)

	bye := sipmsg.NewRequest(sipmsg.MethodBYE, "sip:relay@host")
	bye.SetHeader("Call-ID", callID)
	bye.SetHeader("CSeq", "2 BYE")
	_, err = phoneConn.WriteToUDP(bye.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	byeResp := readSIPMessage(t, phoneConn)
	require.Equal(t, 200, byeResp.StatusCode)

	require.Eventually(t, func() bool {
		return sv.lookup(callID) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestReInviteOnExistingCallIDGets488(t *testing.T) {
	sv, err := New(Options{
		SIPAddr:      mustAddr(t),
		RTPPortStart: 31200,
		RTPPortEnd:   31300,
	})
	require.NoError(t, err)
	defer sv.Close()
	sv.Run()

	phoneConn, err := net.ListenUDP("udp", mustAddr(t))
	require.NoError(t, err)
	defer phoneConn.Close()

	callID := "glare-call-1"
	body := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=x\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		"m=audio " + portOf(t, phoneConn) + " RTP/AVP 8\r\na=rtpmap:8 PCMA/8000\r\n"

	invite := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	invite.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:1;branch=z9hG4bK-1")
	invite.SetHeader("From", "<sip:caller@phone>;tag=caller-tag")
	invite.SetHeader("To", "<sip:relay@host>")
	invite.SetHeader("Call-ID", callID)
	invite.SetHeader("CSeq", "1 INVITE")
	invite.SetHeader("Content-Type", "application/sdp")
	invite.SetBody([]byte(body))
	_, err = phoneConn.WriteToUDP(invite.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	first := readSIPMessage(t, phoneConn)
	require.Equal(t, 200, first.StatusCode)
	require.NotEmpty(t, first.Header("Contact"))

	reInvite := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	reInvite.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:1;branch=z9hG4bK-2")
	reInvite.SetHeader("From", "<sip:caller@phone>;tag=caller-tag")
	reInvite.SetHeader("To", "<sip:relay@host>")
	reInvite.SetHeader("Call-ID", callID)
	reInvite.SetHeader("CSeq", "2 INVITE")
	reInvite.SetHeader("Content-Type", "application/sdp")
	reInvite.SetBody([]byte(body))
	_, err = phoneConn.WriteToUDP(reInvite.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	second := readSIPMessage(t, phoneConn)
	require.Equal(t, 488, second.StatusCode)
}

func TestRetransmittedInviteGetsCachedResponse(t *testing.T) {
	sv, err := New(Options{
		SIPAddr:      mustAddr(t),
		RTPPortStart: 31300,
		RTPPortEnd:   31400,
	})
	require.NoError(t, err)
	defer sv.Close()
	sv.Run()

	phoneConn, err := net.ListenUDP("udp", mustAddr(t))
	require.NoError(t, err)
	defer phoneConn.Close()

	callID := "retransmit-call-1"
	body := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=x\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		"m=audio " + portOf(t, phoneConn) + " RTP/AVP 8\r\na=rtpmap:8 PCMA/8000\r\n"

	invite := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	invite.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:1;branch=z9hG4bK-1")
	invite.SetHeader("From", "<sip:caller@phone>;tag=caller-tag")
	invite.SetHeader("To", "<sip:relay@host>")
	invite.SetHeader("Call-ID", callID)
	invite.SetHeader("CSeq", "1 INVITE")
	invite.SetHeader("Content-Type", "application/sdp")
	invite.SetBody([]byte(body))
	_, err = phoneConn.WriteToUDP(invite.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	first := readSIPMessage(t, phoneConn)
	require.Equal(t, 200, first.StatusCode)

	_, err = phoneConn.WriteToUDP(invite.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	second := readSIPMessage(t, phoneConn)
	require.Equal(t, 200, second.StatusCode)
}

func TestCancelSendsOKAndTerminatedAndReleasesPort(t *testing.T) {
	sv, err := New(Options{
		SIPAddr:      mustAddr(t),
		RTPPortStart: 31400,
		RTPPortEnd:   31402,
	})
	require.NoError(t, err)
	defer sv.Close()
	sv.Run()

	phoneConn, err := net.ListenUDP("udp", mustAddr(t))
	require.NoError(t, err)
	defer phoneConn.Close()

	callID := "cancel-call-1"
	invite := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	invite.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:1;branch=z9hG4bK-1")
	invite.SetHeader("From", "<sip:caller@phone>;tag=caller-tag")
	invite.SetHeader("To", "<sip:relay@host>")
	invite.SetHeader("Call-ID", callID)
	invite.SetHeader("CSeq", "1 INVITE")
	invite.SetHeader("Content-Type", "application/sdp")
	invite.SetBody([]byte(
		"v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=x\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
			"m=audio " + portOf(t, phoneConn) + " RTP/AVP 8\r\na=rtpmap:8 PCMA/8000\r\n"))
	_, err = phoneConn.WriteToUDP(invite.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	readSIPMessage(t, phoneConn) // 200 OK to the INVITE

	cancel := sipmsg.NewRequest(sipmsg.MethodCANCEL, "sip:relay@host")
	cancel.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:1;branch=z9hG4bK-1")
	cancel.SetHeader("From", "<sip:caller@phone>;tag=caller-tag")
	cancel.SetHeader("To", "<sip:relay@host>")
	cancel.SetHeader("Call-ID", callID)
	cancel.SetHeader("CSeq", "1 CANCEL")
	_, err = phoneConn.WriteToUDP(cancel.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	cancelOK := readSIPMessage(t, phoneConn)
	require.Equal(t, 200, cancelOK.StatusCode)
	terminated := readSIPMessage(t, phoneConn)
	require.Equal(t, 487, terminated.StatusCode)

	require.Eventually(t, func() bool {
		return sv.lookup(callID) == nil
	}, time.Second, 10*time.Millisecond)

	// The port pair must have been released, not leaked: a fresh call
	// should be able to reuse the pool's only port.
	secondCallID := "cancel-call-2"
	second := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	second.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:1;branch=z9hG4bK-2")
	second.SetHeader("From", "<sip:caller@phone>;tag=caller-tag-2")
	second.SetHeader("To", "<sip:relay@host>")
	second.SetHeader("Call-ID", secondCallID)
	second.SetHeader("CSeq", "1 INVITE")
	second.SetHeader("Content-Type", "application/sdp")
	second.SetBody([]byte(
		"v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=x\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
			"m=audio " + portOf(t, phoneConn) + " RTP/AVP 8\r\na=rtpmap:8 PCMA/8000\r\n"))
	_, err = phoneConn.WriteToUDP(second.Serialize(), sv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	resp := readSIPMessage(t, phoneConn)
	require.Equal(t, 200, resp.StatusCode)
}

func portOf(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	_, port, err := net.SplitHostPort(conn.LocalAddr().String())
	require.NoError(t, err)
	return port
}

func readSIPMessage(t *testing.T, conn *net.UDPConn) *sipmsg.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, sipmsg.MaxDatagramSize)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := sipmsg.ParseMessage(buf[:n])
	require.NoError(t, err)
	return msg
}
