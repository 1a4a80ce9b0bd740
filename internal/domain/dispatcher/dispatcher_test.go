package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"modwatch/internal/domain/actions"
	"modwatch/internal/domain/events"
	"modwatch/internal/domain/recency"
	"modwatch/internal/domain/rules"
	"modwatch/internal/domain/signup"
)

type fakeChat struct {
	mu      sync.Mutex
	main    []string
	notifys []string
	logs    []string
}

func (f *fakeChat) PostMain(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.main = append(f.main, text)
}

func (f *fakeChat) PostNotify(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifys = append(f.notifys, text)
}

func (f *fakeChat) PostLog(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, text)
}

type fakeReplier struct{ msgs []string }

func (f *fakeReplier) Reply(text string) { f.msgs = append(f.msgs, text) }

// testHarness — диспетчер с настоящим каталогом и кешем во временных файлах
// и с API-сервером, считающим модераторские вызовы.
type testHarness struct {
	d       *Dispatcher
	chat    *fakeChat
	store   *rules.Store
	apiHits chan string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(rulesPath, []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := rules.Load(rulesPath)
	if err != nil {
		t.Fatalf("rules.Load: %v", err)
	}

	cache, err := recency.Open(filepath.Join(dir, "seen.bbolt"))
	if err != nil {
		t.Fatalf("recency.Open: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	apiHits := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiHits <- r.URL.Path
	}))
	t.Cleanup(srv.Close)

	chat := &fakeChat{}
	d := New(Deps{
		Store:     store,
		Cache:     cache,
		Scheduler: actions.NewScheduler(srv.URL, "token", 16),
		Chat:      chat,
		BaseURL:   "https://site.example",
	})
	return &testHarness{d: d, chat: chat, store: store, apiHits: apiHits}
}

func mustRule(t *testing.T, name, kind, value string, acts []rules.Action, mutate func(*rules.Rule)) *rules.Rule {
	t.Helper()
	c, err := rules.NewCriterion(kind, value, 0)
	if err != nil {
		t.Fatalf("NewCriterion: %v", err)
	}
	r := &rules.Rule{
		Name:         name,
		Criterion:    c,
		Actions:      acts,
		Enabled:      true,
		CreationDate: rules.NewMillis(time.Now()),
	}
	if mutate != nil {
		mutate(r)
	}
	return r
}

func signupEvent(name, email, ip string, suspIP bool) events.Signup {
	return events.Signup{User: &signup.User{Username: name, Email: email, IP: ip, SuspIP: suspIP}}
}

func TestDisabledRuleDoesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := mustRule(t, "r1", rules.KindUsernameContains, "bot",
		[]rules.Action{rules.ActionNotify}, func(r *rules.Rule) { r.Enabled = false })
	if err := h.store.Add(r); err != nil {
		t.Fatal(err)
	}

	h.d.handle(context.Background(), signupEvent("BotUser", "b@e", "1.2.3.4", false))

	if len(h.chat.notifys) != 0 {
		t.Errorf("disabled rule produced notifications: %v", h.chat.notifys)
	}
	if r.MatchCount != 0 {
		t.Errorf("disabled rule counted a match")
	}
}

func TestSuspIPGating(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := mustRule(t, "r2", rules.KindIPEquals, "5.6.7.8",
		[]rules.Action{rules.ActionNotify}, func(r *rules.Rule) { r.SuspIP = true })
	if err := h.store.Add(r); err != nil {
		t.Fatal(err)
	}

	h.d.handle(context.Background(), signupEvent("UserA", "a@e", "5.6.7.8", false))
	if len(h.chat.notifys) != 0 {
		t.Fatalf("rule fired without suspicious ip: %v", h.chat.notifys)
	}

	h.d.handle(context.Background(), signupEvent("UserB", "b@e", "5.6.7.8", true))
	if len(h.chat.notifys) != 1 {
		t.Fatalf("got %d notifications, want 1", len(h.chat.notifys))
	}
}

func TestNotifyRingSuppressesRepeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, name := range []string{"r-email", "r-ip"} {
		kind, value := rules.KindEmailContains, "@spam."
		if name == "r-ip" {
			kind, value = rules.KindIPEquals, "9.9.9.9"
		}
		if err := h.store.Add(mustRule(t, name, kind, value,
			[]rules.Action{rules.ActionNotify}, nil)); err != nil {
			t.Fatal(err)
		}
	}

	// Обе зацепки по одному пользователю — одно уведомление.
	h.d.handle(context.Background(), signupEvent("Dup", "d@spam.x", "9.9.9.9", false))
	if len(h.chat.notifys) != 1 {
		t.Fatalf("got %d notifications, want 1: %v", len(h.chat.notifys), h.chat.notifys)
	}
}

func TestMatchSchedulesActionsAndCounts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := mustRule(t, "r3", rules.KindUsernameContains, "cheat",
		[]rules.Action{rules.ActionShadowban, rules.ActionNotify},
		func(r *rules.Rule) { r.NoDelay = true })
	if err := h.store.Add(r); err != nil {
		t.Fatal(err)
	}

	h.d.handle(context.Background(), signupEvent("CheatKing", "c@e", "1.1.1.1", false))

	select {
	case path := <-h.apiHits:
		if path != "/mod/CheatKing/troll/true" {
			t.Errorf("api path = %s", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shadowban call never reached the api")
	}

	if r.MatchCount != 1 {
		t.Errorf("match_count = %d, want 1", r.MatchCount)
	}
	if len(r.MostRecentCaught) != 1 || r.MostRecentCaught[0] != "CheatKing" {
		t.Errorf("most_recent_caught = %v", r.MostRecentCaught)
	}
	// Действия шире notify — должна быть развёрнутая сводка.
	if len(h.chat.main) == 0 || !strings.Contains(h.chat.main[0], "CheatKing") {
		t.Errorf("main summary missing: %v", h.chat.main)
	}

	// Повторная поимка того же имени идемпотентна.
	h.d.handle(context.Background(), signupEvent("CheatKing", "c@e", "1.1.1.1", false))
	if r.MatchCount != 1 {
		t.Errorf("repeat catch bumped match_count to %d", r.MatchCount)
	}
}

func TestOnlyNotifySkipsSummary(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.store.Add(mustRule(t, "r4", rules.KindIPEquals, "2.2.2.2",
		[]rules.Action{rules.ActionNotify}, nil)); err != nil {
		t.Fatal(err)
	}

	h.d.handle(context.Background(), signupEvent("Quiet", "q@e", "2.2.2.2", false))

	if len(h.chat.main) != 0 {
		t.Errorf("notify-only rule posted a summary: %v", h.chat.main)
	}
	if len(h.chat.notifys) != 1 {
		t.Errorf("got %d notifications, want 1", len(h.chat.notifys))
	}
}

func TestChatMessagesLinkProfiles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.store.Add(mustRule(t, "r-link", rules.KindIPEquals, "6.6.6.6",
		[]rules.Action{rules.ActionShadowban, rules.ActionNotify},
		func(r *rules.Rule) { r.NoDelay = true })); err != nil {
		t.Fatal(err)
	}

	h.d.handle(context.Background(), signupEvent("Linked", "l@e", "6.6.6.6", false))

	link := "[Linked](https://site.example/@/Linked?mod)"
	if len(h.chat.notifys) != 1 || !strings.Contains(h.chat.notifys[0], link) {
		t.Errorf("notify without profile link: %v", h.chat.notifys)
	}
	if len(h.chat.main) != 1 || !strings.Contains(h.chat.main[0], link) {
		t.Errorf("match summary without profile link: %v", h.chat.main)
	}
}

func TestHypotheticalDoesNotMutate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := mustRule(t, "r5", rules.KindUsernameContains, "ghost",
		[]rules.Action{rules.ActionShadowban}, nil)
	if err := h.store.Add(r); err != nil {
		t.Fatal(err)
	}

	reply := &fakeReplier{}
	h.d.handle(context.Background(), events.HypotheticalSignup{
		User:    &signup.User{Username: "GhostRider", Email: "g@e", IP: "3.3.3.3"},
		ReplyTo: reply,
	})

	if len(reply.msgs) != 1 || !strings.Contains(reply.msgs[0], "would catch") {
		t.Errorf("reply = %v", reply.msgs)
	}
	if r.MatchCount != 0 {
		t.Errorf("hypothetical signup mutated match_count")
	}
	select {
	case path := <-h.apiHits:
		t.Fatalf("hypothetical signup fired an action: %s", path)
	case <-time.After(200 * time.Millisecond):
	}

	// И мимо правил — отдельный ответ.
	reply2 := &fakeReplier{}
	h.d.handle(context.Background(), events.HypotheticalSignup{
		User:    &signup.User{Username: "Innocent"},
		ReplyTo: reply2,
	})
	if len(reply2.msgs) != 1 || !strings.Contains(reply2.msgs[0], "No rule would catch") {
		t.Errorf("reply = %v", reply2.msgs)
	}
}

func TestExpiryStateMachine(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	h.d.now = func() time.Time { return now }

	soon := rules.NewMillis(now.Add(12 * time.Hour))
	longGone := rules.NewMillis(now.Add(-4 * 24 * time.Hour))

	r1 := mustRule(t, "soon", rules.KindIPEquals, "1.1.1.1",
		[]rules.Action{rules.ActionNotify}, func(r *rules.Rule) { r.Expiry = &soon })
	r2 := mustRule(t, "gone", rules.KindIPEquals, "2.2.2.2",
		[]rules.Action{rules.ActionNotify}, func(r *rules.Rule) {
			r.Expiry = &longGone
			r.ExpNotification = 2
		})
	for _, r := range []*rules.Rule{r1, r2} {
		if err := h.store.Add(r); err != nil {
			t.Fatal(err)
		}
	}

	h.d.handle(context.Background(), events.CheckRulesExpiry{})

	if r1.ExpNotification != 1 {
		t.Errorf("soon rule exp_notification = %d, want 1", r1.ExpNotification)
	}
	found := false
	for _, m := range h.chat.main {
		if strings.Contains(m, "expires within a day") {
			found = true
		}
		if strings.Contains(m, "`gone` has expired") {
			t.Error("already notified rule got a repeated expiry notice")
		}
	}
	if !found {
		t.Errorf("pre-expiry notice missing: %v", h.chat.main)
	}
	if h.store.Find("gone") != nil {
		t.Error("rule expired 4 days ago should have been removed")
	}
	if h.store.Find("soon") == nil {
		t.Error("still-valid rule was removed")
	}
}

func TestStatusLine(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fixed := time.Date(2026, 8, 24, 13, 45, 1, 0, time.UTC)
	h.d.now = func() time.Time { return fixed }

	h.d.handle(context.Background(), events.StreamEventReceived{})

	reply := &fakeReplier{}
	h.d.handle(context.Background(), events.ChatStatusCommand{ReplyTo: reply})
	if len(reply.msgs) != 1 || reply.msgs[0] != "I am alive! Latest event: (UTC) 24/08/2026 13:45:01" {
		t.Errorf("status reply = %v", reply.msgs)
	}
}

func TestSeenCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.d.handle(context.Background(), signupEvent("SeenUser", "s@e", "4.4.4.4", false))

	reply := &fakeReplier{}
	h.d.handle(context.Background(), events.IsRecentlyChecked{Fragment: "seenu", ReplyTo: reply})
	if len(reply.msgs) != 1 || !strings.Contains(reply.msgs[0], "yes, 1 match(es)") {
		t.Errorf("seen reply = %v", reply.msgs)
	}

	reply2 := &fakeReplier{}
	h.d.handle(context.Background(), events.IsRecentlyChecked{Fragment: "stranger", ReplyTo: reply2})
	if len(reply2.msgs) != 1 || reply2.msgs[0] != "no" {
		t.Errorf("seen reply = %v", reply2.msgs)
	}
}

func TestRuleCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	add := &fakeReplier{}
	h.d.handle(ctx, events.AddRule{
		Rule:    mustRule(t, "cmd", rules.KindEmailContains, "@x.", []rules.Action{rules.ActionNotify}, nil),
		ReplyTo: add,
	})
	if add.msgs[0] != "Rule added!" {
		t.Errorf("add reply = %v", add.msgs)
	}

	dup := &fakeReplier{}
	h.d.handle(ctx, events.AddRule{
		Rule:    mustRule(t, "cmd", rules.KindEmailContains, "@y.", []rules.Action{rules.ActionNotify}, nil),
		ReplyTo: dup,
	})
	if !strings.Contains(dup.msgs[0], "Already a rule") {
		t.Errorf("duplicate reply = %v", dup.msgs)
	}

	list := &fakeReplier{}
	h.d.handle(ctx, events.ListRules{ReplyTo: list})
	if list.msgs[0] != "Current rules: cmd" {
		t.Errorf("list reply = %v", list.msgs)
	}

	dis := &fakeReplier{}
	h.d.handle(ctx, events.DisableRules{Pattern: "^cmd$", ReplyTo: dis})
	if dis.msgs[0] != "1 rules disabled." {
		t.Errorf("disable reply = %v", dis.msgs)
	}

	list2 := &fakeReplier{}
	h.d.handle(ctx, events.ListRules{ReplyTo: list2})
	if list2.msgs[0] != "Current rules: (cmd)" {
		t.Errorf("list after disable = %v", list2.msgs)
	}

	show := &fakeReplier{}
	h.d.handle(ctx, events.ShowRule{Name: "cmd", ReplyTo: show})
	if !strings.Contains(show.msgs[0], "Email address contains `@x.`") ||
		!strings.Contains(show.msgs[0], "(disabled)") {
		t.Errorf("show reply = %v", show.msgs)
	}

	rm := &fakeReplier{}
	h.d.handle(ctx, events.RemoveRule{Name: "cmd", ReplyTo: rm})
	if rm.msgs[0] != "Rule removed." {
		t.Errorf("remove reply = %v", rm.msgs)
	}

	miss := &fakeReplier{}
	h.d.handle(ctx, events.RemoveRule{Name: "cmd", ReplyTo: miss})
	if miss.msgs[0] != "No such rule found." {
		t.Errorf("remove missing reply = %v", miss.msgs)
	}
}
