// Package wschat — альтернативный чат-транспорт поверх WebSocket.
//
// Для инсталляций, где вместо Zulip стоит собственный операторский чат с
// WebSocket-шлюзом. Кадры — JSON-объекты Message в обе стороны. Семантика
// та же, что у zulip-транспорта: команды принимаются из одного канала/топика
// по упоминанию бота, исходящие сообщения адресуются каналом и топиком.
package wschat

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"modwatch/internal/domain/command"
	"modwatch/internal/domain/events"
	"modwatch/internal/infra/logger"
)

// reconnectDelay — пауза между попытками подключения. Переменная ради тестов.
var reconnectDelay = 5 * time.Second

const handshakeTimeout = 15 * time.Second

// Message — кадр чата.
type Message struct {
	Channel string `json:"channel"`
	Topic   string `json:"topic"`
	Sender  string `json:"sender,omitempty"`
	Text    string `json:"text"`
}

// Address — адрес сообщения: канал и топик.
type Address struct {
	Channel string
	Topic   string
}

// Sink — входная очередь диспетчера.
type Sink interface {
	Enqueue(ev events.Event)
}

// Options — параметры подключения и адресация.
type Options struct {
	URL      string // ws:// или wss://
	BotID    string
	BotToken string
	BotName  string

	Command Address
	Main    Address
	Notify  Address
	Log     Address
}

// Client — транспорт. Исходящие методы потокобезопасны; до установления
// соединения сообщения теряются с записью в лог.
type Client struct {
	opts Options
	sink Sink
	ping func()

	mu   sync.Mutex
	conn *websocket.Conn
}

// New собирает клиент. ping дергается на каждый принятый кадр; может быть nil.
func New(opts Options, sink Sink, ping func()) *Client {
	return &Client{opts: opts, sink: sink, ping: ping}
}

// PostMain, PostNotify и PostLog — реализация dispatcher.Poster.
func (c *Client) PostMain(text string)   { c.post(c.opts.Main, text) }
func (c *Client) PostNotify(text string) { c.post(c.opts.Notify, text) }
func (c *Client) PostLog(text string)    { c.post(c.opts.Log, text) }

func (c *Client) post(addr Address, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		logger.Warnf("Chat not connected, dropping message to %s/%s", addr.Channel, addr.Topic)
		return
	}
	msg := Message{Channel: addr.Channel, Topic: addr.Topic, Text: text}
	if err := c.conn.WriteJSON(msg); err != nil {
		logger.Errorf("Failed to post to %s/%s: %v", addr.Channel, addr.Topic, err)
	}
}

// Run держит соединение до отмены контекста, переподключаясь после обрывов.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Chat connection broken: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// session — одно соединение: от рукопожатия до обрыва.
func (c *Client) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Basic "+
		base64.StdEncoding.EncodeToString([]byte(c.opts.BotID+":"+c.opts.BotToken)))

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return err
	}
	logger.Infof("Chat connected to %s", c.opts.URL)

	conn.SetPingHandler(func(data string) error {
		if c.ping != nil {
			c.ping()
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Отмена контекста рвёт блокирующий ReadJSON через закрытие сокета.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if c.ping != nil {
			c.ping()
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(m *Message) {
	if m.Sender == c.opts.BotID {
		return
	}
	if m.Channel != c.opts.Command.Channel || m.Topic != c.opts.Command.Topic {
		return
	}
	mention := "@**" + c.opts.BotName + "**"
	if !strings.HasPrefix(m.Text, mention) {
		return
	}
	text := strings.TrimSpace(strings.TrimPrefix(m.Text, mention))

	reply := &topicReplier{client: c, addr: Address{Channel: m.Channel, Topic: m.Topic}}
	ev, err := command.Parse(text, reply)
	if err != nil {
		reply.Reply(err.Error())
		return
	}
	c.sink.Enqueue(ev)
}

type topicReplier struct {
	client *Client
	addr   Address
}

func (r *topicReplier) Reply(text string) { r.client.post(r.addr, text) }
