package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_core/pkg/eventbus"
	"github.com/arzzra/voip_core/pkg/sip/transport"
)

// testUA собирает менеджер сессий на loopback транспорте
type testUA struct {
	manager   *Manager
	transport *transport.LoopbackTransport

	mu     sync.Mutex
	events []eventbus.Event
}

func newTestUA(t *testing.T, network *transport.LoopbackNetwork, uri, addr string, handler CallHandler) *testUA {
	t.Helper()

	tp := network.CreateTransport(addr)
	m, err := NewManager(Config{
		LocalURI:  uri,
		Transport: tp,
		Handler:   handler,
		Retry:     RetryConfig{MaxAttempts: 1},
	})
	require.NoError(t, err)

	ua := &testUA{manager: m, transport: tp}
	sub := m.Bus().Subscribe(nil)
	go func() {
		for ev := range sub.Events() {
			ua.mu.Lock()
			ua.events = append(ua.events, ev)
			ua.mu.Unlock()
		}
	}()

	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		sub.Close()
	})
	return ua
}

func (ua *testUA) eventsOf(kind string) []eventbus.Event {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	var out []eventbus.Event
	for _, e := range ua.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (ua *testUA) countState(state CallState) int {
	n := 0
	for _, e := range ua.eventsOf(EventKindCallStateChanged) {
		if p, ok := e.Payload.(CallStateChangedPayload); ok && p.New == state {
			n++
		}
	}
	return n
}

func (ua *testUA) sentRequests(method sip.RequestMethod) int {
	n := 0
	for _, msg := range ua.transport.SentMessages() {
		if req, ok := msg.(*sip.Request); ok && req.Method == method {
			n++
		}
	}
	return n
}

func waitState(t *testing.T, m *Manager, id string, want CallState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.WaitForState(ctx, id, func(s CallState) bool { return s == want })
	require.NoError(t, err, "сессия не достигла %s", want)
}

func acceptAll() CallHandler {
	return CallHandlerFunc(func(IncomingCallInfo) Decision { return Accept() })
}

// singleSession возвращает единственную сессию менеджера
func singleSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(m.Sessions()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	return m.Sessions()[0]
}

// TestBasicCallAndHangup покрывает сценарий S1: установление вызова,
// медиа после ACK, завершение BYE
func TestBasicCallAndHangup(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060", acceptAll())

	ctx := context.Background()
	sess, err := alice.manager.MakeCall(ctx, "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)

	waitState(t, alice.manager, sess.ID(), StateActive)
	bobSess := singleSession(t, bob.manager)
	waitState(t, bob.manager, bobSess.ID(), StateActive)

	// Медиа создано после ACK: событие MediaSessionStarted есть у обоих
	require.Eventually(t, func() bool {
		return hasMediaEvent(alice, MediaSessionStarted) && hasMediaEvent(bob, MediaSessionStarted)
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.manager.Hangup(ctx, sess.ID()))

	waitState(t, alice.manager, sess.ID(), StateTerminated)
	waitState(t, bob.manager, bobSess.ID(), StateTerminated)

	// Обе сессии достигли Active ровно один раз
	assert.Eventually(t, func() bool {
		return alice.countState(StateActive) == 1 && bob.countState(StateActive) == 1
	}, time.Second, 10*time.Millisecond)

	aliceTerm := alice.eventsOf(EventKindSessionTerminated)
	require.NotEmpty(t, aliceTerm)
	assert.Equal(t, "User hangup",
		aliceTerm[0].Payload.(SessionTerminatedPayload).Reason)

	bobTerm := bob.eventsOf(EventKindSessionTerminated)
	require.NotEmpty(t, bobTerm)
	assert.Equal(t, "Call terminated by remote BYE",
		bobTerm[0].Payload.(SessionTerminatedPayload).Reason)
}

func hasMediaEvent(ua *testUA, kind MediaEventKind) bool {
	for _, e := range ua.eventsOf(EventKindMediaEvent) {
		if p, ok := e.Payload.(MediaEventPayload); ok && p.Kind == kind {
			return true
		}
	}
	return false
}

// TestMediaStartedAfterAck проверяет P3: MediaSessionStarted строго после
// передачи ACK транспорту
func TestMediaStartedAfterAck(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060", acceptAll())
	_ = bob

	sess, err := alice.manager.MakeCall(context.Background(), "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)
	waitState(t, alice.manager, sess.ID(), StateActive)

	require.Eventually(t, func() bool {
		return hasMediaEvent(alice, MediaSessionStarted)
	}, 3*time.Second, 10*time.Millisecond)

	// К моменту MediaSessionStarted ACK уже передан транспорту
	assert.GreaterOrEqual(t, alice.sentRequests(sip.ACK), 1)
}

// TestHangupIdempotence покрывает P4: N вызовов hangup дают не более
// одного BYE и всегда успех
func TestHangupIdempotence(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060", acceptAll())
	_ = bob

	ctx := context.Background()
	sess, err := alice.manager.MakeCall(ctx, "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)
	waitState(t, alice.manager, sess.ID(), StateActive)

	for i := 0; i < 5; i++ {
		require.NoError(t, alice.manager.Hangup(ctx, sess.ID()))
	}
	waitState(t, alice.manager, sess.ID(), StateTerminated)

	for i := 0; i < 3; i++ {
		require.NoError(t, alice.manager.Hangup(ctx, sess.ID()), "hangup завершенной сессии успешен")
	}

	assert.Eventually(t, func() bool {
		return alice.sentRequests(sip.BYE) == 1
	}, time.Second, 10*time.Millisecond, "ровно один BYE на сессию")
}

// TestResponseRaceCorrelation покрывает S3: ответ обгоняет установку
// отображения, альтернативная корреляция находит единственную
// Initiating сессию
func TestResponseRaceCorrelation(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060", acceptAll())
	_ = bob

	// Отображения tx и Call-ID задерживаются/убираются: координатор
	// вынужден коррелировать по единственной Initiating сессии
	alice.manager.testDelayMapInstall = 100 * time.Millisecond

	sess, err := alice.manager.MakeCall(context.Background(), "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)

	alice.manager.mu.Lock()
	delete(alice.manager.byCallID, sess.inviteRequest.CallID().Value())
	alice.manager.mu.Unlock()

	waitState(t, alice.manager, sess.ID(), StateActive)
	assert.Len(t, alice.manager.Sessions(), 1, "дубликат сессии не создан")
}

// TestHoldResume покрывает S6: re-INVITE sendonly/sendrecv
func TestHoldResume(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060", acceptAll())

	ctx := context.Background()
	sess, err := alice.manager.MakeCall(ctx, "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)
	waitState(t, alice.manager, sess.ID(), StateActive)
	bobSess := singleSession(t, bob.manager)
	waitState(t, bob.manager, bobSess.ID(), StateActive)

	require.NoError(t, alice.manager.Hold(ctx, sess.ID()))
	waitState(t, alice.manager, sess.ID(), StateOnHold)
	waitState(t, bob.manager, bobSess.ID(), StateOnHold)

	require.Eventually(t, func() bool {
		return hasMediaEvent(bob, MediaHoldStateChanged)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.manager.Resume(ctx, sess.ID()))
	waitState(t, alice.manager, sess.ID(), StateActive)
	waitState(t, bob.manager, bobSess.ID(), StateActive)
}

// TestRejectIncoming: решение Reject обработчика дает Failed сессию
// и финальный отказ вызывающей стороне
func TestRejectIncoming(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	_ = newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060",
		CallHandlerFunc(func(IncomingCallInfo) Decision { return Reject(486, "Busy Here") }))

	sess, err := alice.manager.MakeCall(context.Background(), "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.manager.WaitForState(ctx, sess.ID(), func(s CallState) bool {
		return s.IsFinal()
	}))
	assert.Equal(t, StateFailed, sess.State())
}

// TestDtmfViaInfo: INFO с телом DTMF поднимает событие у пира
func TestDtmfViaInfo(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060", acceptAll())

	ctx := context.Background()
	sess, err := alice.manager.MakeCall(ctx, "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)
	waitState(t, alice.manager, sess.ID(), StateActive)
	bobSess := singleSession(t, bob.manager)
	waitState(t, bob.manager, bobSess.ID(), StateActive)

	// Медиа сессия глушится, чтобы цифры пошли через INFO
	_ = bob.manager.Media().StopMedia(bobSess.ID(), "test")
	_ = alice.manager.Media().StopMedia(sess.ID(), "test")

	require.NoError(t, alice.manager.SendDTMF(ctx, sess.ID(), "42#"))

	require.Eventually(t, func() bool {
		for _, e := range bob.eventsOf(EventKindMediaEvent) {
			if p, ok := e.Payload.(MediaEventPayload); ok &&
				p.Kind == MediaDtmfReceived && p.Digits == "42#" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

// TestCancelBeforeAnswer: hangup неотвеченного вызова дает CANCEL
func TestCancelBeforeAnswer(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060",
		CallHandlerFunc(func(IncomingCallInfo) Decision { return Defer() }))

	ctx := context.Background()
	sess, err := alice.manager.MakeCall(ctx, "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)

	// Ждем Ringing: вызов доставлен, но не отвечен
	waitState(t, alice.manager, sess.ID(), StateRinging)

	require.NoError(t, alice.manager.Hangup(ctx, sess.ID()))
	assert.Equal(t, StateCancelled, sess.State())

	assert.Eventually(t, func() bool {
		return alice.sentRequests(sip.CANCEL) == 1 && alice.sentRequests(sip.BYE) == 0
	}, time.Second, 10*time.Millisecond)

	// Сторона Боба завершает раннюю сессию
	bobSess := singleSession(t, bob.manager)
	ctx2, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, bob.manager.WaitForState(ctx2, bobSess.ID(), func(s CallState) bool {
		return s.IsFinal()
	}))
	assert.Equal(t, StateCancelled, bobSess.State())
}
