package session

import (
	"time"
)

// Интервал публикации статистики качества медиа
const qualityInterval = 5 * time.Second

// startQualityMonitor публикует события Jitter/PacketLoss/Quality
// для активной медиа сессии, пока вызов не завершится.
// Оценка MOS грубая: линейная деградация от потерь и джиттера
// (E-model не реализуется).
func (m *Manager) startQualityMonitor(sessionID string) {
	go func() {
		ticker := time.NewTicker(qualityInterval)
		defer ticker.Stop()

		for range ticker.C {
			sess, ok := m.GetSession(sessionID)
			if !ok || sess.State().IsFinal() {
				return
			}

			ms, ok := m.media.GetBySession(sessionID)
			if !ok {
				return
			}

			cfg := ms.Config()
			for _, src := range ms.RTP().Sources().All() {
				jitterMs := src.JitterMs(cfg.ClockRate)
				lossPct := src.LossFraction() * 100

				m.publishMedia(sessionID, MediaEventPayload{
					SessionID: sessionID, Kind: MediaJitter, Value: int(jitterMs),
				})
				m.publishMedia(sessionID, MediaEventPayload{
					SessionID: sessionID, Kind: MediaPacketLoss, Value: int(lossPct * 100),
				})
				m.publishMedia(sessionID, MediaEventPayload{
					SessionID: sessionID, Kind: MediaQuality, Value: estimateMOSx100(lossPct, jitterMs),
				})
			}
		}
	}()
}

// estimateMOSx100 возвращает MOS * 100 из потерь и джиттера
func estimateMOSx100(lossPct, jitterMs float64) int {
	mos := 4.4
	mos -= lossPct * 0.1
	if jitterMs > 20 {
		mos -= (jitterMs - 20) * 0.02
	}
	if mos < 1.0 {
		mos = 1.0
	}
	return int(mos * 100)
}
