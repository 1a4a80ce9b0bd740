// Package status — супервизор живости соединений.
//
// Наблюдатель потока и чат-транспорт шлют сюда пинги на каждый принятый
// байт осмысленного трафика. Супервизор раз в 15 секунд сверяет отметки с
// порогами и перезапускает протухшее соединение. Отдельный, более редкий
// таймер толкает диспетчеру проход по срокам действия правил.
package status

import (
	"context"
	"time"

	"modwatch/internal/infra/logger"
)

// Пороги и периоды. Поток регистраций оживлённый, поэтому его порог короткий;
// чат может молчать долго, но серверные heartbeat приходят стабильно.
const (
	checkEvery  = 15 * time.Second
	streamStale = 90 * time.Second
	chatStale   = 720 * time.Second
	expiryEvery = 15 * time.Minute

	pingQueueSize = 1024
)

type pingKind int

const (
	pingStream pingKind = iota
	pingChat
)

// Supervisor следит за двумя отметками времени и перезапускает соединения.
type Supervisor struct {
	pings chan pingKind

	respawnStream func()
	respawnChat   func()
	expiryTick    func()

	lastStream time.Time
	lastChat   time.Time

	now func() time.Time
}

// New собирает супервизор. respawnStream и respawnChat обязаны быть
// идемпотентно-безопасными: супервизор может дёрнуть их несколько раз подряд.
func New(respawnStream, respawnChat, expiryTick func()) *Supervisor {
	return &Supervisor{
		pings:         make(chan pingKind, pingQueueSize),
		respawnStream: respawnStream,
		respawnChat:   respawnChat,
		expiryTick:    expiryTick,
		now:           time.Now,
	}
}

// PingStream — отметка живости потока регистраций. Не блокируется.
func (s *Supervisor) PingStream() { s.offer(pingStream) }

// PingChat — отметка живости чат-транспорта. Не блокируется.
func (s *Supervisor) PingChat() { s.offer(pingChat) }

func (s *Supervisor) offer(k pingKind) {
	select {
	case s.pings <- k:
	default:
		// Очередь пингов забита — значит, сами соединения точно живы.
	}
}

// Run крутит цикл супервизора до отмены контекста.
func (s *Supervisor) Run(ctx context.Context) {
	now := s.now()
	s.lastStream, s.lastChat = now, now

	check := time.NewTicker(checkEvery)
	defer check.Stop()
	expiry := time.NewTicker(expiryEvery)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case k := <-s.pings:
			switch k {
			case pingStream:
				s.lastStream = s.now()
			case pingChat:
				s.lastChat = s.now()
			}

		case <-check.C:
			s.checkLiveness()

		case <-expiry.C:
			s.expiryTick()
		}
	}
}

// checkLiveness перезапускает протухшие соединения и сбрасывает отметки,
// чтобы не дёргать respawn на каждом тике, пока соединение поднимается.
func (s *Supervisor) checkLiveness() {
	now := s.now()
	if now.Sub(s.lastStream) > streamStale {
		logger.Warnf("Event stream is silent for %s, respawning", now.Sub(s.lastStream).Truncate(time.Second))
		s.lastStream = now
		s.respawnStream()
	}
	if now.Sub(s.lastChat) > chatStale {
		logger.Warnf("Chat transport is silent for %s, reconnecting", now.Sub(s.lastChat).Truncate(time.Second))
		s.lastChat = now
		s.respawnChat()
	}
}
