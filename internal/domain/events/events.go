// Package events — типы сообщений единственного воркера-диспетчера.
//
// Все изменения состояния демона (каталог правил, кеш недавних регистраций,
// кольцо уведомлений) происходят только внутри диспетчера, поэтому любое
// желание что-то поменять или прочитать выражается событием в его канале.
package events

import (
	"time"

	"modwatch/internal/domain/rules"
	"modwatch/internal/domain/signup"
)

// Event — запечатанный интерфейс: реализовать его могут только типы этого
// пакета. Диспетчер делает type switch по конкретным вариантам.
type Event interface {
	isEvent()
}

// Signup — реальная регистрация из потока событий.
type Signup struct {
	User *signup.User
}

// HypotheticalSignup — проверка «а что было бы» по команде оператора:
// правила прогоняются, но действия не запускаются и состояние не меняется.
type HypotheticalSignup struct {
	User    *signup.User
	ReplyTo Replier
}

// AddRule — добавить правило в каталог.
type AddRule struct {
	Rule    *rules.Rule
	ReplyTo Replier
}

// ShowRule — показать правило целиком.
type ShowRule struct {
	Name    string
	ReplyTo Replier
}

// RemoveRule — удалить правило по точному имени.
type RemoveRule struct {
	Name    string
	ReplyTo Replier
}

// DisableRules — выключить правила, имена которых матчатся шаблоном.
type DisableRules struct {
	Pattern string
	ReplyTo Replier
}

// EnableRules — включить правила, имена которых матчатся шаблоном.
type EnableRules struct {
	Pattern string
	ReplyTo Replier
}

// ListRules — перечислить имена правил.
type ListRules struct {
	ReplyTo Replier
}

// RenewRule — продлить срок действия правила.
type RenewRule struct {
	Name    string
	Expiry  time.Time
	ReplyTo Replier
}

// IsRecentlyChecked — команда seen: выдать снапшоты кеша недавних регистраций
// по подстроке имени.
type IsRecentlyChecked struct {
	Fragment string
	ReplyTo  Replier
}

// ChatStatusCommand — команда status: ответить временем последнего события.
type ChatStatusCommand struct {
	ReplyTo Replier
}

// StreamEventReceived — признак жизни потока регистраций. Посылается на каждую
// принятую строку, включая keep-alive без содержимого.
type StreamEventReceived struct{}

// CheckRulesExpiry — периодический проход по срокам действия правил.
type CheckRulesExpiry struct{}

// Replier — канал ответа оператору, задавшему вопрос. Конкретные транспорты
// чата дают свои реализации; диспетчер их не различает.
type Replier interface {
	Reply(text string)
}

func (Signup) isEvent()              {}
func (HypotheticalSignup) isEvent()  {}
func (AddRule) isEvent()             {}
func (ShowRule) isEvent()            {}
func (RemoveRule) isEvent()          {}
func (DisableRules) isEvent()        {}
func (EnableRules) isEvent()         {}
func (ListRules) isEvent()           {}
func (RenewRule) isEvent()           {}
func (IsRecentlyChecked) isEvent()   {}
func (ChatStatusCommand) isEvent()   {}
func (StreamEventReceived) isEvent() {}
func (CheckRulesExpiry) isEvent()    {}
