package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_core/pkg/sip/transport"
)

// TestInviteAuthRetry: 401 с challenge дает единственный повтор INVITE
// с заголовком Authorization
func TestInviteAuthRetry(t *testing.T) {
	network := transport.NewLoopbackNetwork()

	tp := network.CreateTransport("127.0.0.1:5070")
	m, err := NewManager(Config{
		LocalURI:     "sip:alice@127.0.0.1:5070",
		Transport:    tp,
		AuthUsername: "alice",
		AuthPassword: "secret",
		Retry:        RetryConfig{MaxAttempts: 1},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	// Сырой "сервер": первый INVITE получает 401, повторный с
	// Authorization — 603 (чтобы завершить вызов)
	server := network.CreateTransport("127.0.0.1:5060")
	var mu sync.Mutex
	var authorized []string
	server.OnMessage(func(in transport.IncomingMessage) {
		req, ok := in.Message.(*sip.Request)
		if !ok || !req.IsInvite() {
			return
		}

		if h := req.GetHeader("Authorization"); h != nil {
			mu.Lock()
			authorized = append(authorized, h.Value())
			mu.Unlock()
			resp := sip.NewResponseFromRequest(req, 603, "Decline", nil)
			addToTag(resp, "srv-tag")
			_ = server.Send(resp, in.Source)
			return
		}

		resp := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		addToTag(resp, "srv-tag")
		resp.AppendHeader(sip.NewHeader("WWW-Authenticate",
			`Digest realm="voip", nonce="abc123", algorithm=MD5`))
		_ = server.Send(resp, in.Source)
	})
	require.NoError(t, server.Start())

	sess, err := m.MakeCall(context.Background(), "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitForState(ctx, sess.ID(), func(s CallState) bool {
		return s.IsFinal()
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, authorized, 1, "ровно один повтор с учетными данными")
	assert.Contains(t, authorized[0], `username="alice"`)
	assert.Contains(t, authorized[0], `realm="voip"`)
	assert.Contains(t, authorized[0], "response=")
}

func addToTag(resp *sip.Response, tag string) {
	if to := resp.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = tag
	}
}
