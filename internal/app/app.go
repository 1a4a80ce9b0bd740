// Package app реализует верхний уровень управления жизненным циклом демона.
// Здесь собираются зависимости (каталог правил, кеш, обогащение, транспорты),
// запускаются задачи в правильном порядке и организуется корректный graceful
// shutdown: сначала гаснут источники событий, затем диспетчер, последними
// закрываются файлы.
//
// Бизнес-назначение: демон слушает поток регистраций, прогоняет каждую по
// операторским правилам, дёргает модераторский API и держит операторов в
// курсе через чат. Состав задач фиксированный; поток и чат перезапускаемы
// по команде супервизора живости.
package app

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"modwatch/internal/domain/actions"
	"modwatch/internal/domain/dispatcher"
	"modwatch/internal/domain/events"
	"modwatch/internal/domain/recency"
	"modwatch/internal/domain/rules"
	"modwatch/internal/domain/script"
	"modwatch/internal/domain/signup"
	"modwatch/internal/infra/config"
	"modwatch/internal/infra/logger"
	"modwatch/internal/status"
	"modwatch/internal/transport/eventstream"
	"modwatch/internal/transport/wschat"
	"modwatch/internal/transport/zulip"
)

// chatTransport — то, что app требует от чат-клиента: роль Poster для
// диспетчера плюс перезапускаемый входящий цикл.
type chatTransport interface {
	dispatcher.Poster
	Run(ctx context.Context)
}

// App — собранный демон. Создаётся через New, запускается через Run.
type App struct {
	env config.EnvConfig

	store   *rules.Store
	cache   *recency.Cache
	geo     *signup.GeoResolver
	scripts *script.Engine

	disp   *dispatcher.Dispatcher
	chat   chatTransport
	stream *eventstream.Watcher
	sup    *status.Supervisor

	streamTask *respawnable
	chatTask   *respawnable
}

// New собирает все подсистемы демона из загруженной конфигурации.
// Порядок важен: транспорты ссылаются на App как на приёмник событий,
// диспетчер — на чат-транспорт как на исходящий канал.
func New() (*App, error) {
	env := config.Env()
	a := &App{env: env}

	store, err := rules.Load(env.RulesFile)
	if err != nil {
		return nil, errors.Wrap(err, "load rules")
	}
	a.store = store

	cache, err := recency.Open(env.SeenCacheFile)
	if err != nil {
		return nil, errors.Wrap(err, "open seen cache")
	}
	a.cache = cache

	// База геоданных опциональна: без неё правила по странам и городам
	// просто перестают срабатывать.
	geo, err := signup.NewGeoResolver(env.GeoIPDB)
	if err != nil {
		logger.Warnf("GeoIP database unavailable (%v), geo enrichment disabled", err)
	} else {
		a.geo = geo
	}

	ua, err := signup.NewUAParser(env.UARegexes)
	if err != nil {
		cache.Close()
		return nil, errors.Wrap(err, "load user agent regexes")
	}

	a.scripts = script.New()
	a.sup = status.New(a.respawnStream, a.respawnChat, a.tickExpiry)

	a.chat, err = a.buildChat()
	if err != nil {
		cache.Close()
		a.scripts.Close()
		return nil, err
	}

	a.disp = dispatcher.New(dispatcher.Deps{
		Store:     a.store,
		Cache:     a.cache,
		Scripts:   a.scripts,
		Enricher:  signup.NewEnricher(a.geo, ua),
		Scheduler: actions.NewScheduler(env.APIBaseURL, env.APIToken, env.ActionRPS),
		Chat:      a.chat,
		BaseURL:   env.APIBaseURL,
	})

	a.stream = eventstream.New(env.StreamURL, env.APIToken, a, a.sup.PingStream)

	a.streamTask = &respawnable{name: "event stream", run: a.stream.Run}
	a.chatTask = &respawnable{name: "chat transport", run: a.chat.Run}
	return a, nil
}

// buildChat поднимает выбранный чат-транспорт. Оба реализуют одинаковую
// семантику: команды из command-топика, исходящие по трём адресам.
func (a *App) buildChat() (chatTransport, error) {
	env := a.env
	switch env.ChatTransport {
	case config.TransportZulip:
		return zulip.New(zulip.Options{
			BaseURL:  env.ChatURL,
			BotID:    env.BotID,
			BotToken: env.BotToken,
			BotName:  env.BotName,
			Command:  zulip.Address{Stream: env.CommandStream, Topic: env.CommandTopic},
			Main:     zulip.Address{Stream: env.MainStream, Topic: env.MainTopic},
			Notify:   zulip.Address{Stream: env.NotifyStream, Topic: env.NotifyTopic},
			Log:      zulip.Address{Stream: env.LogStream, Topic: env.LogTopic},
		}, a, a.sup.PingChat), nil
	case config.TransportWebSocket:
		return wschat.New(wschat.Options{
			URL:      env.ChatURL,
			BotID:    env.BotID,
			BotToken: env.BotToken,
			BotName:  env.BotName,
			Command:  wschat.Address{Channel: env.CommandStream, Topic: env.CommandTopic},
			Main:     wschat.Address{Channel: env.MainStream, Topic: env.MainTopic},
			Notify:   wschat.Address{Channel: env.NotifyStream, Topic: env.NotifyTopic},
			Log:      wschat.Address{Channel: env.LogStream, Topic: env.LogTopic},
		}, a, a.sup.PingChat), nil
	}
	return nil, errors.Errorf("unknown chat transport %q", a.env.ChatTransport)
}

// Enqueue делает App приёмником событий для транспортов: всё уходит в
// очередь диспетчера.
func (a *App) Enqueue(ev events.Event) {
	a.disp.Enqueue(ev)
}

func (a *App) respawnStream() { a.streamTask.respawn() }
func (a *App) respawnChat()   { a.chatTask.respawn() }

func (a *App) tickExpiry() {
	a.disp.Enqueue(events.CheckRulesExpiry{})
}

// Run запускает демона и блокируется до отмены контекста. Завершение
// строго в обратном порядке запуска: сначала источники, затем диспетчер,
// последними — файлы.
func (a *App) Run(ctx context.Context) error {
	dispCtx, stopDisp := context.WithCancel(context.Background())
	var dispWG sync.WaitGroup
	dispWG.Add(2)
	go func() {
		defer dispWG.Done()
		a.disp.Run(dispCtx)
	}()
	go func() {
		defer dispWG.Done()
		a.sup.Run(dispCtx)
	}()

	a.streamTask.start(ctx)
	a.chatTask.start(ctx)
	logger.Info("All tasks started")

	<-ctx.Done()
	logger.Info("Shutdown requested")

	// Источники событий останавливаются отменой ctx; дожидаемся их,
	// чтобы в очередь диспетчера больше ничего не падало.
	a.streamTask.wait()
	a.chatTask.wait()

	stopDisp()
	dispWG.Wait()

	a.scripts.Close()
	if a.geo != nil {
		if err := a.geo.Close(); err != nil {
			logger.Errorf("Failed to close geoip database: %v", err)
		}
	}
	if err := a.cache.Close(); err != nil {
		logger.Errorf("Failed to close seen cache: %v", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// respawnable — перезапускаемая задача. Супервизор дёргает respawn, когда
// соединение признано протухшим: старый экземпляр отменяется, новый
// стартует от того же родительского контекста.
type respawnable struct {
	name string
	run  func(ctx context.Context)

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// start запускает задачу от родительского контекста.
func (r *respawnable) start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parent = parent
	r.spawnLocked()
}

func (r *respawnable) spawnLocked() {
	ctx, cancel := context.WithCancel(r.parent)
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	go func() {
		defer close(done)
		r.run(ctx)
	}()
}

// respawn отменяет текущий экземпляр, дожидается его выхода и запускает новый.
func (r *respawnable) respawn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parent == nil || r.parent.Err() != nil {
		return
	}
	logger.Infof("Respawning %s", r.name)
	r.cancel()
	<-r.done
	r.spawnLocked()
}

// wait блокируется до выхода текущего экземпляра задачи.
func (r *respawnable) wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}
