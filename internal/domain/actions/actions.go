// Package actions — запуск модераторских действий через HTTP API.
//
// Действия выполняются в стиле «выстрелил и забыл»: планировщик спит
// случайную задержку, пробивается через общий rate limiter и шлёт POST.
// Ошибки только логируются — повторов нет, очередь событий из-за медленного
// API не встаёт.
package actions

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"modwatch/internal/domain/rules"
	"modwatch/internal/infra/logger"
)

// Границы случайной задержки перед действием. Задержка выбирается один раз
// на событие, чтобы пачка действий по одному пользователю ушла вместе и не
// выдавала автоматику по ровным интервалам.
const (
	delayMinMs = 30_000
	delayMaxMs = 100_000

	// closeExtraDelay гарантирует, что закрытие аккаунта уйдёт после
	// остальных действий: закрытый аккаунт часть из них уже не принимает.
	closeExtraDelay = 1500 * time.Millisecond

	requestTimeout = 30 * time.Second
)

// Endpoint возвращает путь API для действия над пользователем. Второе
// значение false означает, что у действия нет HTTP-вызова (notify живёт
// целиком в чате).
func Endpoint(a rules.Action, username string) (string, bool) {
	switch a {
	case rules.ActionShadowban:
		return fmt.Sprintf("/mod/%s/troll/true", username), true
	case rules.ActionEngine:
		return fmt.Sprintf("/mod/%s/engine/true", username), true
	case rules.ActionBoost:
		return fmt.Sprintf("/mod/%s/booster/true", username), true
	case rules.ActionIPBan:
		return fmt.Sprintf("/mod/%s/ban/true", username), true
	case rules.ActionAlt:
		return fmt.Sprintf("/mod/%s/alt/true", username), true
	case rules.ActionClose:
		return fmt.Sprintf("/mod/%s/close", username), true
	case rules.ActionPanic:
		return "/mod/chat-panic", true
	}
	return "", false
}

// Delay выбирает случайную задержку события: равномерно из [30, 100) секунд.
func Delay() time.Duration {
	return time.Duration(delayMinMs+rand.Intn(delayMaxMs-delayMinMs)) * time.Millisecond
}

// Scheduler шлёт модераторские вызовы с общим rate limiter'ом на весь демон.
type Scheduler struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewScheduler собирает планировщик. rps ограничивает суммарный темп вызовов
// к API; burst равен rps, чтобы пачка действий одного события не растягивалась.
func NewScheduler(baseURL, token string, rps int) *Scheduler {
	if rps < 1 {
		rps = 1
	}
	return &Scheduler{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Schedule планирует действие: отдельная горутина спит delay (для close —
// с добавкой) и делает POST. Возврат немедленный. Нулевая задержка остаётся
// нулевой: правило без задержки закрывает аккаунт сразу.
func (s *Scheduler) Schedule(ctx context.Context, a rules.Action, username string, delay time.Duration) {
	path, ok := Endpoint(a, username)
	if !ok {
		return
	}
	if a == rules.ActionClose && delay > 0 {
		delay += closeExtraDelay
	}

	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if err := s.post(ctx, path); err != nil {
			logger.Errorf("Action %s for %s failed: %v", a, username, err)
			return
		}
		logger.Infof("Action %s for %s done", a, username)
	}()
}

// post проходит rate limiter и выполняет POST с пустым телом.
func (s *Scheduler) post(ctx context.Context, path string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
