// Package eventstream — наблюдатель апстрим-потока регистраций.
//
// Поток — долгоживущий HTTP-ответ с NDJSON: по строке на событие, пустые
// строки служат keep-alive. Любая принятая строка (и пустая тоже) — признак
// жизни соединения, поэтому на каждую уходит StreamEventReceived в диспетчер
// и пинг супервизору. Обрыв соединения лечится переподключением через паузу.
package eventstream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"modwatch/internal/domain/events"
	"modwatch/internal/domain/signup"
	"modwatch/internal/infra/logger"
)

// reconnectDelay — пауза перед переподключением после обрыва или ошибки.
// Переменная, а не константа: тесты укорачивают её.
var reconnectDelay = 7 * time.Second

// maxLineSize ограничивает буфер строки: события регистрации маленькие,
// мегабайта хватает с огромным запасом.
const maxLineSize = 1 << 20

// Sink — входная очередь диспетчера.
type Sink interface {
	Enqueue(ev events.Event)
}

// Watcher читает поток и конвертирует строки в события диспетчера.
type Watcher struct {
	url    string
	token  string
	client *http.Client
	sink   Sink
	ping   func()
}

// New собирает наблюдатель. ping дергается на каждую принятую строку;
// может быть nil.
func New(url, token string, sink Sink, ping func()) *Watcher {
	return &Watcher{
		url:   url,
		token: token,
		// Без общего таймаута: соединение живёт часами. Обрыв
		// обнаруживает супервизор по отсутствию пингов.
		client: &http.Client{},
		sink:   sink,
		ping:   ping,
	}
}

// Run держит поток открытым до отмены контекста, переподключаясь после
// каждого обрыва.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if err := w.stream(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Event stream broken: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// stream — одно подключение: от GET до обрыва.
func (w *Watcher) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	logger.Infof("Event stream connected to %s", w.url)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		w.sink.Enqueue(events.StreamEventReceived{})
		if w.ping != nil {
			w.ping()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue // keep-alive
		}

		user, err := signup.DecodeStreamLine([]byte(line))
		if err != nil {
			logger.Warnf("Skipping unparseable stream line: %v", err)
			continue
		}
		logger.Debugf("New signup: %s", user.Username)
		w.sink.Enqueue(events.Signup{User: user})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}
