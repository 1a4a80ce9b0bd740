// Package zulip — чат-транспорт поверх Zulip REST API (long-poll).
//
// Клиент совмещает две роли: исходящие сообщения для диспетчера (Poster) и
// входящий цикл операторских команд. Входящий цикл: register -> очередь
// событий -> GET /events c last_event_id до обрыва; упавшая или протухшая
// очередь регистрируется заново.
package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"modwatch/internal/domain/command"
	"modwatch/internal/domain/events"
	"modwatch/internal/infra/logger"
)

// retryDelay — пауза перед повторной регистрацией очереди после ошибки.
// Переменная ради тестов.
var retryDelay = 5 * time.Second

// pollTimeout с запасом покрывает серверный long-poll (до ~90 секунд).
const pollTimeout = 100 * time.Second

// Address — адрес сообщения: стрим и топик.
type Address struct {
	Stream string
	Topic  string
}

// Sink — входная очередь диспетчера.
type Sink interface {
	Enqueue(ev events.Event)
}

// Options — всё, что нужно клиенту.
type Options struct {
	BaseURL  string // https://zulip.example.com
	BotID    string // e-mail бота, левая половина Basic auth
	BotToken string
	BotName  string // операторы пишут @**BotName** ...

	Command Address // откуда принимаются команды
	Main    Address
	Notify  Address
	Log     Address
}

// Client — транспорт. Исходящие методы потокобезопасны.
type Client struct {
	opts   Options
	client *http.Client
	sink   Sink
	ping   func()
}

// New собирает клиент. ping дергается на каждое принятое событие очереди,
// включая heartbeat; может быть nil.
func New(opts Options, sink Sink, ping func()) *Client {
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: pollTimeout},
		sink:   sink,
		ping:   ping,
	}
}

// PostMain, PostNotify и PostLog — реализация dispatcher.Poster.
func (c *Client) PostMain(text string)   { c.post(c.opts.Main, text) }
func (c *Client) PostNotify(text string) { c.post(c.opts.Notify, text) }
func (c *Client) PostLog(text string)    { c.post(c.opts.Log, text) }

// post шлёт сообщение в стрим. Ошибка только логируется: чат — побочный
// канал, ронять из-за него обработку нельзя.
func (c *Client) post(addr Address, text string) {
	form := url.Values{
		"type":    {"stream"},
		"to":      {addr.Stream},
		"topic":   {addr.Topic},
		"content": {text},
	}
	if err := c.postForm(context.Background(), "/api/v1/messages", form, nil); err != nil {
		logger.Errorf("Failed to post to %s/%s: %v", addr.Stream, addr.Topic, err)
	}
}

// Run — входящий цикл до отмены контекста.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Zulip session broken: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

type registerResponse struct {
	Result      string `json:"result"`
	Msg         string `json:"msg"`
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

type eventsResponse struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code"`
	Events []struct {
		ID      int64        `json:"id"`
		Type    string       `json:"type"`
		Message *chatMessage `json:"message"`
	} `json:"events"`
}

type chatMessage struct {
	Content     string          `json:"content"`
	Topic       string          `json:"subject"`
	SenderEmail string          `json:"sender_email"`
	Recipient   json.RawMessage `json:"display_recipient"`
}

// stream возвращает имя стрима; для личных сообщений recipient — массив,
// и тогда пустая строка.
func (m *chatMessage) stream() string {
	var s string
	if err := json.Unmarshal(m.Recipient, &s); err != nil {
		return ""
	}
	return s
}

// session — одна зарегистрированная очередь: от register до первой ошибки.
func (c *Client) session(ctx context.Context) error {
	var reg registerResponse
	form := url.Values{
		"event_types":    {`["message"]`},
		"apply_markdown": {"false"},
	}
	if err := c.postForm(ctx, "/api/v1/register", form, &reg); err != nil {
		return fmt.Errorf("register queue: %w", err)
	}
	if reg.Result != "success" {
		return fmt.Errorf("register queue: %s", reg.Msg)
	}
	logger.Infof("Zulip queue %s registered", reg.QueueID)

	lastEventID := reg.LastEventID
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := c.getEvents(ctx, reg.QueueID, lastEventID)
		if err != nil {
			return fmt.Errorf("poll events: %w", err)
		}
		if resp.Result != "success" {
			if resp.Code == "BAD_EVENT_QUEUE_ID" {
				return fmt.Errorf("event queue expired: %s", resp.Msg)
			}
			return fmt.Errorf("poll events: %s", resp.Msg)
		}

		for _, ev := range resp.Events {
			if ev.ID > lastEventID {
				lastEventID = ev.ID
			}
			if c.ping != nil {
				c.ping()
			}
			if ev.Type == "message" && ev.Message != nil {
				c.handleMessage(ev.Message)
			}
		}
	}
}

func (c *Client) getEvents(ctx context.Context, queueID string, lastEventID int64) (*eventsResponse, error) {
	q := url.Values{
		"queue_id":      {queueID},
		"last_event_id": {strconv.FormatInt(lastEventID, 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.opts.BaseURL+"/api/v1/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.opts.BotID, c.opts.BotToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return &decoded, nil
}

// handleMessage отбирает команды: нужный стрим и топик, упоминание бота в
// начале, не собственное сообщение.
func (c *Client) handleMessage(m *chatMessage) {
	if m.SenderEmail == c.opts.BotID {
		return
	}
	if m.stream() != c.opts.Command.Stream || m.Topic != c.opts.Command.Topic {
		return
	}
	mention := "@**" + c.opts.BotName + "**"
	if !strings.HasPrefix(m.Content, mention) {
		return
	}
	text := strings.TrimSpace(strings.TrimPrefix(m.Content, mention))

	reply := &topicReplier{client: c, addr: Address{Stream: c.opts.Command.Stream, Topic: m.Topic}}
	ev, err := command.Parse(text, reply)
	if err != nil {
		reply.Reply(err.Error())
		return
	}
	c.sink.Enqueue(ev)
}

// postForm — POST с Basic auth и form-encoded телом. out может быть nil.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.opts.BotID, c.opts.BotToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// topicReplier отвечает в топик, из которого пришла команда.
type topicReplier struct {
	client *Client
	addr   Address
}

func (r *topicReplier) Reply(text string) { r.client.post(r.addr, text) }
