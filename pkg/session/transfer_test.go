package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_core/pkg/sip/transport"
)

// TestBlindTransfer покрывает S5: REFER, 202, NOTIFY sipfrag,
// автоматическое завершение исходного вызова
func TestBlindTransfer(t *testing.T) {
	network := transport.NewLoopbackNetwork()
	alice := newTestUA(t, network, "sip:alice@127.0.0.1:5070", "127.0.0.1:5070", nil)
	bob := newTestUA(t, network, "sip:bob@127.0.0.1:5060", "127.0.0.1:5060", acceptAll())
	carol := newTestUA(t, network, "sip:carol@127.0.0.1:5080", "127.0.0.1:5080", acceptAll())

	ctx := context.Background()
	sess, err := alice.manager.MakeCall(ctx, "sip:bob@127.0.0.1:5060")
	require.NoError(t, err)
	waitState(t, alice.manager, sess.ID(), StateActive)
	bobAlice := singleSession(t, bob.manager)
	waitState(t, bob.manager, bobAlice.ID(), StateActive)

	xfer, err := alice.manager.InitiateTransfer(ctx, sess.ID(), "sip:carol@127.0.0.1:5080", TransferBlind, "")
	require.NoError(t, err)
	assert.Equal(t, TransferStateInitiated, xfer.State())

	// 202 переводит контекст в Accepted, NOTIFY продвигают дальше
	require.Eventually(t, func() bool {
		s := xfer.State()
		return s == TransferStateAccepted || s == TransferStateNotifying || s == TransferStateCompleted
	}, 3*time.Second, 10*time.Millisecond, "REFER должен быть принят 202")

	require.Eventually(t, func() bool {
		return xfer.State() == TransferStateCompleted
	}, 10*time.Second, 20*time.Millisecond, "финальный NOTIFY 200 завершает перевод")

	// Вызов Боба с Кэрол установлен
	require.Eventually(t, func() bool {
		carolSessions := carol.manager.Sessions()
		return len(carolSessions) == 1 && carolSessions[0].State() == StateActive
	}, 5*time.Second, 20*time.Millisecond)

	// Сессия Алисы с Бобом завершается автоматически
	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.manager.WaitForState(ctx2, sess.ID(), func(s CallState) bool {
		return s.IsFinal()
	}))
	assert.Equal(t, StateTerminated, sess.State())
}

// TestTransferContextFailure: sipfrag >=400 дает Failed с причиной
func TestTransferContextFailure(t *testing.T) {
	xfer := newTransferContext(TransferBlind, "sip:carol@example.com", "")
	require.True(t, xfer.accepted())

	terminal, success := xfer.notified(100)
	assert.False(t, terminal)
	assert.False(t, success)
	assert.Equal(t, TransferStateNotifying, xfer.State())

	terminal, success = xfer.notified(503)
	assert.True(t, terminal)
	assert.False(t, success)
	assert.Equal(t, TransferStateFailed, xfer.State())
	assert.Contains(t, xfer.FailReason(), "503")
}

func TestTransferContextCompletion(t *testing.T) {
	xfer := newTransferContext(TransferAttended, "sip:carol@example.com", "sip:alice@example.com")
	require.True(t, xfer.accepted())

	terminal, success := xfer.notified(200)
	assert.True(t, terminal)
	assert.True(t, success)
	assert.Equal(t, TransferStateCompleted, xfer.State())
}
