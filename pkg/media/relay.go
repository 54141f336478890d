package media

import (
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/voip_core/pkg/rtp"
)

// Relay двунаправленная RTP ретрансляция между двумя медиа сессиями.
//
// Используется для 3PCC и моста attended transfer. Кадры прокачиваются
// двумя независимыми насосами; timestamp приема сохраняется, SSRC
// принятого кадра заменяется стабильным SSRC назначенного направления,
// чтобы исключить коллизии у получателя.
type Relay struct {
	ID string

	a *Session
	b *Session

	// Стабильные SSRC для каждого направления
	ssrcAtoB uint32
	ssrcBtoA uint32

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SetupRelay связывает две медиа сессии ретрансляцией
func (c *Coordinator) SetupRelay(sessionA, sessionB string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msA, okA := c.bySession[sessionA]
	msB, okB := c.bySession[sessionB]
	if !okA || !okB {
		return "", ErrSessionNotFound
	}

	for _, r := range c.relays {
		if r.a == msA || r.b == msA || r.a == msB || r.b == msB {
			return "", ErrRelayExists
		}
	}

	relay := &Relay{
		ID:       "relay-" + uuid.NewString(),
		a:        msA,
		b:        msB,
		ssrcAtoB: msA.rtpSession.SSRC(),
		ssrcBtoA: msB.rtpSession.SSRC(),
		done:     make(chan struct{}),
	}

	relay.wg.Add(2)
	go relay.pump(msA, msB, relay.ssrcAtoB)
	go relay.pump(msB, msA, relay.ssrcBtoA)

	c.relays[relay.ID] = relay
	c.log.Info("RTP ретрансляция запущена",
		"relay", relay.ID, "a", sessionA, "b", sessionB)
	return relay.ID, nil
}

// TeardownRelay останавливает ретрансляцию
func (c *Coordinator) TeardownRelay(relayID string) error {
	c.mu.Lock()
	relay, ok := c.relays[relayID]
	delete(c.relays, relayID)
	c.mu.Unlock()

	if !ok {
		return ErrRelayNotFound
	}
	relay.stop()
	c.log.Info("RTP ретрансляция остановлена", "relay", relayID)
	return nil
}

// pump однонаправленный насос кадров src -> dst
func (r *Relay) pump(src, dst *Session, outSSRC uint32) {
	defer r.wg.Done()

	var seq uint16
	for {
		select {
		case <-r.done:
			return
		case frame, ok := <-src.rtpSession.RecvChan():
			if !ok {
				return
			}
			seq++
			out := rtp.Frame{
				Payload:     frame.Payload,
				PayloadType: frame.PayloadType,
				// Timestamp приема сохраняется для непрерывности потока
				Timestamp: frame.Timestamp,
				Sequence:  seq,
				Marker:    frame.Marker,
				SSRC:      outSSRC,
			}
			if err := dst.rtpSession.SendFrame(out); err != nil {
				// Сессия назначения могла остановиться
				return
			}
		}
	}
}

func (r *Relay) stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}
