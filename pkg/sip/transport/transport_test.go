package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildOptions(t *testing.T) *sip.Request {
	t.Helper()
	var target sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@127.0.0.1:5060", &target))

	req := sip.NewRequest(sip.OPTIONS, target)
	via := &sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "127.0.0.1", Port: 5070, Params: sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5070},
		Params:  sip.HeaderParams{"tag": "t1"},
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	cid := sip.CallIDHeader("transport-test")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	return req
}

func TestUDPTransportRoundTrip(t *testing.T) {
	a, err := NewUDPTransport(UDPConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	b, err := NewUDPTransport(UDPConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	var mu sync.Mutex
	var got []IncomingMessage
	b.OnMessage(func(in IncomingMessage) {
		mu.Lock()
		got = append(got, in)
		mu.Unlock()
	})

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	assert.False(t, a.Reliable())

	req := buildOptions(t)
	require.NoError(t, a.Send(req, b.LocalAddr()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	in := got[0]
	mu.Unlock()

	received, ok := in.Message.(*sip.Request)
	require.True(t, ok)
	assert.Equal(t, sip.OPTIONS, received.Method)
	assert.Equal(t, a.LocalAddr(), in.Source)
	assert.Equal(t, "transport-test", received.CallID().Value())
}

func TestUDPTransportSendAfterClose(t *testing.T) {
	a, err := NewUDPTransport(UDPConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	err = a.Send(buildOptions(t), "127.0.0.1:5060")
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestLoopbackPreservesOrder(t *testing.T) {
	network := NewLoopbackNetwork()
	a := network.CreateTransport("")
	b := network.CreateTransport("")

	var mu sync.Mutex
	var seqs []uint32
	b.OnMessage(func(in IncomingMessage) {
		mu.Lock()
		seqs = append(seqs, in.Message.CSeq().SeqNo)
		mu.Unlock()
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	for i := 1; i <= 20; i++ {
		req := buildOptions(t)
		req.CSeq().SeqNo = uint32(i)
		require.NoError(t, a.Send(req, b.LocalAddr()))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 20
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, s := range seqs {
		assert.Equal(t, uint32(i+1), s, "порядок доставки сохранен")
	}
}

func TestLoopbackDrop(t *testing.T) {
	network := NewLoopbackNetwork()
	a := network.CreateTransport("")
	b := network.CreateTransport("")

	received := 0
	var mu sync.Mutex
	b.OnMessage(func(IncomingMessage) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	a.DropFn = func(sip.Message) bool { return true }
	require.NoError(t, a.Send(buildOptions(t), b.LocalAddr()))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, received)
	mu.Unlock()
	assert.Len(t, a.SentMessages(), 1, "отправка учтена даже при сбросе")
}
