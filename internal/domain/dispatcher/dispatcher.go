// Package dispatcher — единственный владелец изменяемого состояния демона.
//
// Все источники (поток регистраций, чат, таймеры) складывают события в один
// канал; воркер разбирает их строго по одному. Так каталог правил, кеш
// недавних регистраций и кольцо уведомлений обходятся без блокировок, а
// порядок эффектов совпадает с порядком событий.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modwatch/internal/domain/actions"
	"modwatch/internal/domain/events"
	"modwatch/internal/domain/notify"
	"modwatch/internal/domain/recency"
	"modwatch/internal/domain/rules"
	"modwatch/internal/domain/signup"
	"modwatch/internal/infra/logger"
)

const (
	// queueSize ограничивает входящий канал: при переполнении события
	// отбрасываются с записью в лог, очередь не растёт бесконечно.
	queueSize = 10_000

	// notifiedRingSize — сколько последних имён помнит подавитель
	// повторных уведомлений.
	notifiedRingSize = 5

	// seenReplyLimit — максимум снапшотов в ответе на команду seen.
	seenReplyLimit = 10

	// debugEvery — раз в столько регистраций в лог-канал чата уходит
	// счётчик, по которому видно, что демон жив и поток не пересох.
	debugEvery = 400
)

// Poster — исходящие сообщения в чат. Реализации живут в транспортах.
type Poster interface {
	PostMain(text string)
	PostNotify(text string)
	PostLog(text string)
}

// Deps — зависимости диспетчера.
type Deps struct {
	Store     *rules.Store
	Cache     *recency.Cache
	Scripts   rules.ScriptRunner
	Enricher  *signup.Enricher
	Scheduler *actions.Scheduler
	Chat      Poster

	// BaseURL — адрес сайта для ссылок на профили в сообщениях чата.
	BaseURL string
}

// Dispatcher — воркер событий. Все поля ниже мутируются только из Run.
type Dispatcher struct {
	inbox chan events.Event

	store     *rules.Store
	cache     *recency.Cache
	scripts   rules.ScriptRunner
	enricher  *signup.Enricher
	scheduler *actions.Scheduler
	chat      Poster
	baseURL   string

	notified    *notify.Ring
	lastEvent   time.Time
	signupCount int

	now func() time.Time
}

// New собирает диспетчер. Канал событий создаётся здесь же.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		inbox:     make(chan events.Event, queueSize),
		store:     deps.Store,
		cache:     deps.Cache,
		scripts:   deps.Scripts,
		enricher:  deps.Enricher,
		scheduler: deps.Scheduler,
		chat:      deps.Chat,
		baseURL:   deps.BaseURL,
		notified:  notify.NewRing(notifiedRingSize),
		now:       time.Now,
	}
}

// Enqueue кладёт событие в очередь, не блокируясь. Переполнение очереди —
// признак серьёзной деградации; событие теряется, но демон живёт.
func (d *Dispatcher) Enqueue(ev events.Event) {
	select {
	case d.inbox <- ev:
	default:
		logger.Warnf("Dispatcher queue overflow, dropping %T", ev)
	}
}

// Run крутит цикл обработки до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.Info("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Dispatcher stopped")
			return
		case ev := <-d.inbox:
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.Signup:
		d.handleSignup(ctx, e.User, nil, false)

	case events.HypotheticalSignup:
		d.handleSignup(ctx, e.User, e.ReplyTo, true)

	case events.AddRule:
		d.handleAdd(e)

	case events.ShowRule:
		d.handleShow(e)

	case events.RemoveRule:
		d.handleRemove(e)

	case events.DisableRules:
		count, err := d.store.Disable(e.Pattern)
		d.replyToggle(e.ReplyTo, count, "disabled", err)

	case events.EnableRules:
		count, err := d.store.Enable(e.Pattern)
		d.replyToggle(e.ReplyTo, count, "enabled", err)

	case events.ListRules:
		names := d.store.ListNames()
		if len(names) == 0 {
			e.ReplyTo.Reply("No rules yet.")
			return
		}
		e.ReplyTo.Reply("Current rules: " + strings.Join(names, ", "))

	case events.RenewRule:
		switch err := d.store.Renew(e.Name, e.Expiry); err {
		case nil:
			e.ReplyTo.Reply(fmt.Sprintf("Rule renewed until %s.", e.Expiry.UTC().Format("02/01/2006")))
		case rules.ErrNoSuchRule:
			e.ReplyTo.Reply("No such rule found.")
		default:
			e.ReplyTo.Reply(fmt.Sprintf("Could not renew the rule: %v", err))
		}

	case events.IsRecentlyChecked:
		d.handleSeen(e)

	case events.ChatStatusCommand:
		e.ReplyTo.Reply(d.statusLine())

	case events.StreamEventReceived:
		d.lastEvent = d.now()

	case events.CheckRulesExpiry:
		d.checkExpiry()

	default:
		logger.Errorf("Dispatcher got unknown event %T", ev)
	}
}

// handleSignup — общий путь реальной и гипотетической регистрации.
// Гипотетическая ничего не мутирует: ни кеш, ни счётчики, ни действия.
func (d *Dispatcher) handleSignup(ctx context.Context, u *signup.User, reply events.Replier, hypothetical bool) {
	if d.enricher != nil {
		d.enricher.Enrich(u)
	}

	// В кеш «кого видели» попадают и гипотетические проверки: операторам
	// полезно видеть, что имя уже пробивали.
	if err := d.cache.Remember(u); err != nil {
		logger.Errorf("Failed to remember %s in the seen cache: %v", u.Username, err)
	}

	if !hypothetical {
		d.signupCount++
		if d.signupCount%debugEvery == 0 {
			d.chat.PostLog(fmt.Sprintf("Processed %d signups since start.", d.signupCount))
		}
	}

	delay := actions.Delay()
	now := d.now()
	var matched []string
	hypoMatches := 0

	for _, r := range d.store.Rules() {
		if !r.Enabled || r.HasExpired(now) {
			continue
		}
		if r.SuspIP && !u.SuspIP {
			continue
		}

		ok, err := r.Criterion.Match(u, d.scripts)
		if err != nil {
			d.chat.PostMain(fmt.Sprintf("Error in rule `%s` for user %s: %v", r.Name, u.Username, err))
			continue
		}
		if !ok {
			continue
		}

		if hypothetical {
			hypoMatches++
			d.postHypothetical(reply, r, u)
			continue
		}

		matched = append(matched, r.Name)
		d.runActions(ctx, r, u, delay)
		if !r.OnlyNotifies() {
			d.chat.PostMain(d.matchSummary(r, u))
		}
	}

	if hypothetical {
		if hypoMatches == 0 {
			replyOrMain(reply, d.chat).Reply(fmt.Sprintf("No rule would catch user %s.", u.Username))
		}
		return
	}

	for _, name := range matched {
		if err := d.store.Caught(name, u.Username); err != nil {
			logger.Errorf("Failed to record catch for rule %s: %v", name, err)
		}
	}
}

// runActions запускает действия правила. Уведомление обрабатывается на месте,
// остальное уходит в планировщик с общей задержкой события (или без неё).
func (d *Dispatcher) runActions(ctx context.Context, r *rules.Rule, u *signup.User, delay time.Duration) {
	perRule := delay
	if r.NoDelay {
		perRule = 0
	}
	for _, a := range r.Actions {
		if a == rules.ActionNotify {
			if d.notified.Offer(u.Username) {
				d.chat.PostNotify(fmt.Sprintf("**%s** caught by rule `%s`", d.userLink(u.Username), r.Name))
			}
			continue
		}
		d.scheduler.Schedule(ctx, a, u.Username, perRule)
	}
}

func (d *Dispatcher) postHypothetical(reply events.Replier, r *rules.Rule, u *signup.User) {
	names := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		names[i] = string(a)
	}
	replyOrMain(reply, d.chat).Reply(fmt.Sprintf(
		"Rule `%s` would catch user %s and take these actions: %s",
		r.Name, u.Username, strings.Join(names, ", ")))
}

func (d *Dispatcher) handleAdd(e events.AddRule) {
	switch err := d.store.Add(e.Rule); err {
	case nil:
		e.ReplyTo.Reply("Rule added!")
	case rules.ErrDuplicateName:
		e.ReplyTo.Reply("Already a rule found with that name.")
	default:
		e.ReplyTo.Reply(fmt.Sprintf("Could not add the rule: %v", err))
	}
}

func (d *Dispatcher) handleRemove(e events.RemoveRule) {
	removed, err := d.store.Remove(e.Name)
	if err != nil {
		e.ReplyTo.Reply(fmt.Sprintf("Could not remove the rule: %v", err))
		return
	}
	if !removed {
		e.ReplyTo.Reply("No such rule found.")
		return
	}
	e.ReplyTo.Reply("Rule removed.")
}

func (d *Dispatcher) handleShow(e events.ShowRule) {
	r := d.store.Find(e.Name)
	if r == nil {
		e.ReplyTo.Reply("No such rule found.")
		return
	}
	e.ReplyTo.Reply(formatRule(r))
}

func (d *Dispatcher) handleSeen(e events.IsRecentlyChecked) {
	snapshots, err := d.cache.Search(e.Fragment, seenReplyLimit)
	if err != nil {
		e.ReplyTo.Reply(fmt.Sprintf("Seen cache lookup failed: %v", err))
		return
	}
	if len(snapshots) == 0 {
		e.ReplyTo.Reply("no")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "yes, %d match(es):\n", len(snapshots))
	for _, s := range snapshots {
		b.WriteString("```json\n")
		b.WriteString(s)
		b.WriteString("\n```\n")
	}
	e.ReplyTo.Reply(strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) replyToggle(reply events.Replier, count int, verb string, err error) {
	if err != nil {
		reply.Reply("Invalid regular expression.")
		return
	}
	reply.Reply(fmt.Sprintf("%d rules %s.", count, verb))
}

func (d *Dispatcher) statusLine() string {
	if d.lastEvent.IsZero() {
		return "I am alive! No events received yet."
	}
	return "I am alive! Latest event: (UTC) " + d.lastEvent.UTC().Format("02/01/2006 15:04:05")
}

// checkExpiry двигает ступени уведомлений об истечении и удаляет правила,
// истёкшие более трёх дней назад. Порядок проверок фиксирован: сначала
// «скоро истечёт», потом «истекло» — правило не может проскочить ступень
// за один проход.
func (d *Dispatcher) checkExpiry() {
	now := d.now()
	changed := false

	for _, r := range d.store.Rules() {
		if r.Expiry == nil {
			continue
		}
		switch {
		case r.ExpNotification == 0 && now.Add(24*time.Hour).After(r.Expiry.Time):
			d.chat.PostMain(fmt.Sprintf("Rule `%s` expires within a day!", r.Name))
			r.ExpNotification = 1
			changed = true
		case r.ExpNotification <= 1 && r.Expiry.Before(now):
			d.chat.PostMain(fmt.Sprintf("Rule `%s` has expired.", r.Name))
			r.ExpNotification = 2
			changed = true
		}
	}
	if changed {
		if err := d.store.Save(); err != nil {
			logger.Errorf("Failed to persist rules after expiry pass: %v", err)
		}
	}

	// Снос давно истёкших. Имена собираются заранее: Remove мутирует каталог.
	var stale []string
	for _, r := range d.store.Rules() {
		if r.Expiry != nil && r.Expiry.Add(72*time.Hour).Before(now) {
			stale = append(stale, r.Name)
		}
	}
	for _, name := range stale {
		if _, err := d.store.Remove(name); err != nil {
			d.chat.PostMain(fmt.Sprintf("Failed to remove expired rule `%s`: %v", name, err))
		}
	}
}

// formatRule — развёрнутый ответ на show.
func formatRule(r *rules.Rule) string {
	names := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		names[i] = string(a)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rule `%s`", r.Name)
	if !r.Enabled {
		b.WriteString(" (disabled)")
	}
	b.WriteString(":\n")
	fmt.Fprintf(&b, "Criterion: %s\n", r.Criterion.Friendly())
	fmt.Fprintf(&b, "Actions: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "No delay: %v\n", r.NoDelay)
	if r.SuspIP {
		b.WriteString("Only applies to suspicious IPs.\n")
	}
	if r.Expiry != nil {
		fmt.Fprintf(&b, "Expiry: (UTC) %s\n", r.Expiry.UTC().Format("02/01/2006 15:04:05"))
	}
	fmt.Fprintf(&b, "Matched %d times", r.MatchCount)
	if len(r.MostRecentCaught) > 0 {
		fmt.Fprintf(&b, ", most recently: %s", strings.Join(r.MostRecentCaught, ", "))
	}
	b.WriteString(".")
	return b.String()
}

// userLink оборачивает имя в markdown-ссылку на профиль с модераторской
// панелью.
func (d *Dispatcher) userLink(username string) string {
	return fmt.Sprintf("[%s](%s/@/%s?mod)", username, d.baseURL, username)
}

// matchSummary — развёрнутая сводка о пойманном пользователе для основного
// канала чата.
func (d *Dispatcher) matchSummary(r *rules.Rule, u *signup.User) string {
	names := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		names[i] = string(a)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rule `%s` caught new user **%s**!\n", r.Name, d.userLink(u.Username))
	fmt.Fprintf(&b, "Actions: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "Email: %s\n", u.Email)
	fmt.Fprintf(&b, "IP: %s", u.IP)
	if u.SuspIP {
		b.WriteString(" (suspicious)")
	}
	if u.GeoIP != nil {
		var parts []string
		if u.GeoIP.City != "" {
			parts = append(parts, u.GeoIP.City)
		}
		if u.GeoIP.Country != "" {
			parts = append(parts, u.GeoIP.Country)
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, "\nLocation: %s", strings.Join(parts, ", "))
		}
	}
	if u.Device != nil && u.Device.Client != "" {
		fmt.Fprintf(&b, "\nClient: %s (%s, %s)", u.Device.Client, u.Device.Device, u.Device.OS)
	}
	if u.UserAgent != "" {
		fmt.Fprintf(&b, "\nUser agent: `%s`", u.UserAgent)
	}
	if u.FingerPrint != "" {
		fmt.Fprintf(&b, "\nFingerprint: `%s`", u.FingerPrint)
	}
	return b.String()
}

// replyOrMain выбирает канал ответа: адресату команды, если он есть,
// иначе в основной канал.
func replyOrMain(reply events.Replier, chat Poster) events.Replier {
	if reply != nil {
		return reply
	}
	return mainReplier{chat}
}

type mainReplier struct{ chat Poster }

func (m mainReplier) Reply(text string) { m.chat.PostMain(text) }
