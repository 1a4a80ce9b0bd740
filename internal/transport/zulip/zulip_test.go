package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"modwatch/internal/domain/events"
)

type chanSink struct{ ch chan events.Event }

func (s *chanSink) Enqueue(ev events.Event) { s.ch <- ev }

// fakeZulip — минимальный сервер: одна очередь, заранее заданные события,
// запись исходящих сообщений.
type fakeZulip struct {
	mu       sync.Mutex
	posted   []url.Values
	events   []string // готовые JSON-объекты событий, выдаются по одному на poll
	nextPoll int
}

func (f *fakeZulip) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/register", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "bot@chat" || pass != "zulip-key" {
			t.Errorf("register auth = %s:%s", user, pass)
		}
		fmt.Fprint(w, `{"result":"success","queue_id":"q1","last_event_id":-1}`)
	})

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.nextPoll < len(f.events) {
			fmt.Fprintf(w, `{"result":"success","events":[%s]}`, f.events[f.nextPoll])
			f.nextPoll++
			return
		}
		// Пустой long-poll: немного подождать и отдать ничего.
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, `{"result":"success","events":[]}`)
	})

	mux.HandleFunc("/api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		f.mu.Lock()
		f.posted = append(f.posted, r.PostForm)
		f.mu.Unlock()
		fmt.Fprint(w, `{"result":"success"}`)
	})

	return mux
}

func messageEvent(id int, stream, topic, sender, content string) string {
	m := map[string]any{
		"id":   id,
		"type": "message",
		"message": map[string]any{
			"content":           content,
			"subject":           topic,
			"sender_email":      sender,
			"display_recipient": stream,
		},
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func newTestClient(srvURL string, sink Sink, ping func()) *Client {
	return New(Options{
		BaseURL:  srvURL,
		BotID:    "bot@chat",
		BotToken: "zulip-key",
		BotName:  "ModWatch",
		Command:  Address{Stream: "mod", Topic: "signups"},
		Main:     Address{Stream: "mod", Topic: "signups"},
		Notify:   Address{Stream: "mod", Topic: "signup-notify"},
		Log:      Address{Stream: "mod-log", Topic: "signup-log"},
	}, sink, ping)
}

func TestCommandsReachTheSink(t *testing.T) {
	t.Parallel()

	fake := &fakeZulip{events: []string{
		messageEvent(1, "mod", "signups", "human@chat", "@**ModWatch** status") + "," +
			`{"id":2,"type":"heartbeat"}`,
		// Чужой топик, чужой стрим, своё сообщение, без упоминания — всё мимо.
		messageEvent(3, "mod", "other-topic", "human@chat", "@**ModWatch** status"),
		messageEvent(4, "elsewhere", "signups", "human@chat", "@**ModWatch** status"),
		messageEvent(5, "mod", "signups", "bot@chat", "@**ModWatch** status"),
		messageEvent(6, "mod", "signups", "human@chat", "just chatting"),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	sink := &chanSink{ch: make(chan events.Event, 8)}
	var pingMu sync.Mutex
	pings := 0
	c := newTestClient(srv.URL, sink, func() {
		pingMu.Lock()
		pings++
		pingMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-sink.ch:
		if _, ok := ev.(events.ChatStatusCommand); !ok {
			t.Fatalf("got %#v, want ChatStatusCommand", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the sink")
	}

	// Остальные события не должны дать команд.
	select {
	case ev := <-sink.ch:
		t.Fatalf("unexpected extra event: %#v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	pingMu.Lock()
	defer pingMu.Unlock()
	if pings < 2 {
		t.Errorf("pings = %d, want at least 2 (message + heartbeat)", pings)
	}
}

func TestParseErrorIsRepliedToTopic(t *testing.T) {
	t.Parallel()

	fake := &fakeZulip{events: []string{
		messageEvent(1, "mod", "signups", "human@chat", "@**ModWatch** frobnicate"),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	sink := &chanSink{ch: make(chan events.Event, 8)}
	c := newTestClient(srv.URL, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.After(5 * time.Second)
	for {
		fake.mu.Lock()
		n := len(fake.posted)
		fake.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("parse error reply never posted")
		case <-time.After(20 * time.Millisecond):
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	form := fake.posted[0]
	if form.Get("to") != "mod" || form.Get("topic") != "signups" {
		t.Errorf("reply addressed to %s/%s", form.Get("to"), form.Get("topic"))
	}
	if form.Get("content") == "" {
		t.Error("empty reply content")
	}
}

func TestPosterAddresses(t *testing.T) {
	t.Parallel()

	fake := &fakeZulip{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(srv.URL, &chanSink{ch: make(chan events.Event, 1)}, nil)

	c.PostMain("main text")
	c.PostNotify("notify text")
	c.PostLog("log text")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.posted) != 3 {
		t.Fatalf("posted %d messages, want 3", len(fake.posted))
	}
	tests := []struct{ stream, topic, content string }{
		{"mod", "signups", "main text"},
		{"mod", "signup-notify", "notify text"},
		{"mod-log", "signup-log", "log text"},
	}
	for i, tc := range tests {
		form := fake.posted[i]
		if form.Get("to") != tc.stream || form.Get("topic") != tc.topic || form.Get("content") != tc.content {
			t.Errorf("message %d = %s/%s %q, want %s/%s %q", i,
				form.Get("to"), form.Get("topic"), form.Get("content"),
				tc.stream, tc.topic, tc.content)
		}
		if form.Get("type") != "stream" {
			t.Errorf("message %d type = %q", i, form.Get("type"))
		}
	}
}
