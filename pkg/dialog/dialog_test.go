package dialog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredial/voicerelay/pkg/sipmsg"
)

func TestOutboundHappyPath(t *testing.T) {
	d := NewOutbound("sip:relay@host", "sip:agent@pbx", nil)
	require.Equal(t, StateIdle, d.State())

	require.NoError(t, d.SendInvite())
	require.Equal(t, StateCalling, d.State())

	require.NoError(t, d.HandleProvisional(false))
	require.Equal(t, StateRinging, d.State())

	require.NoError(t, d.HandleAnswer("remote-tag-1"))
	require.Equal(t, StateAnswered, d.State())
	require.Equal(t, "remote-tag-1", d.RemoteTag)

	require.NoError(t, d.HandleAck())
	require.Equal(t, StateEstablished, d.State())

	require.NoError(t, d.SendBye())
	require.Equal(t, StateTerminating, d.State())

	require.NoError(t, d.Close())
	require.Equal(t, StateTerminated, d.State())
}

func TestOutboundEarlyMediaTransition(t *testing.T) {
	d := NewOutbound("sip:relay@host", "sip:agent@pbx", nil)
	require.NoError(t, d.SendInvite())
	require.NoError(t, d.HandleProvisional(true))
	require.Equal(t, StateEarly, d.State())
}

func TestOutboundRejection(t *testing.T) {
	d := NewOutbound("sip:relay@host", "sip:agent@pbx", nil)
	require.NoError(t, d.SendInvite())
	require.NoError(t, d.HandleRejectOrTimeout())
	require.Equal(t, StateTerminated, d.State())
}

func TestInboundFromInviteRequest(t *testing.T) {
	req := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	req.SetHeader("Call-ID", "call-42")
	req.SetHeader("From", "<sip:caller@pbx>;tag=caller-tag")
	req.SetHeader("To", "<sip:relay@host>")
	req.SetHeader("CSeq", "1 INVITE")

	d, err := NewInbound(req, nil)
	require.NoError(t, err)
	require.Equal(t, StateRinging, d.State())
	require.Equal(t, "caller-tag", d.RemoteTag)
	require.Equal(t, "call-42", d.CallID)
}

func TestInboundRejectsInviteMissingCallID(t *testing.T) {
	req := sipmsg.NewRequest(sipmsg.MethodINVITE, "sip:relay@host")
	req.SetHeader("From", "<sip:caller@pbx>;tag=caller-tag")
	req.SetHeader("CSeq", "1 INVITE")

	_, err := NewInbound(req, nil)
	require.Error(t, err)
}

func TestCSeqAcceptanceIsNumeric(t *testing.T) {
	d := NewOutbound("a", "b", nil)
	nine, _ := sipmsg.ParseCSeq("9 BYE")
	ten, _ := sipmsg.ParseCSeq("10 BYE")

	require.True(t, d.AcceptsRemoteCSeq(nine))
	d.RecordRemoteCSeq(nine)
	require.True(t, d.AcceptsRemoteCSeq(ten))
	require.False(t, d.AcceptsRemoteCSeq(nine), "a retransmitted/old CSeq must not be re-accepted")
}

func TestNextCSeqIncrementsMonotonically(t *testing.T) {
	d := NewOutbound("a", "b", nil)
	first := d.NextCSeq()
	second := d.NextCSeq()
	require.Equal(t, first+1, second)
}

func TestInviteTimeoutTerminatesDialog(t *testing.T) {
	d := NewOutbound("a", "b", nil)
	require.NoError(t, d.SendInvite())

	d.mu.Lock()
	d.inviteTimer.Stop()
	d.inviteTimer = time.AfterFunc(10*time.Millisecond, func() {
		_ = d.HandleRejectOrTimeout()
	})
	d.mu.Unlock()

	require.Eventually(t, func() bool {
		return d.State() == StateTerminated
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestCacheResponseForRetransmission(t *testing.T) {
	d := NewOutbound("a", "b", nil)
	resp := sipmsg.NewResponse(200, "OK")
	d.CacheResponse(resp)
	require.Same(t, resp, d.CachedResponse())
}
