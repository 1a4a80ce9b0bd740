// Package rules — каталог операторских правил против абьюзивных регистраций.
//
// Правило = именованная пара (критерий, список действий) плюс служебные
// счётчики. Каталог хранится в одном JSON-файле и переписывается целиком
// после каждой мутации; порядок правил в файле задаёт порядок проверки,
// поэтому загрузка и сохранение обязаны его сохранять.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"modwatch/internal/domain/signup"
)

// Виды критериев. Значения фиксированы форматом файла правил.
const (
	KindIPEquals         = "ip_equals"
	KindPrintEquals      = "print_equals"
	KindEmailContains    = "email_contains"
	KindEmailRegex       = "email_regex"
	KindUsernameContains = "username_contains"
	KindUsernameRegex    = "username_regex"
	KindUALenLte         = "ua_len_lte"
	KindLua              = "lua"
)

// Action — вид модераторского действия. Значения совпадают с токенами
// операторской команды и с форматом файла правил.
type Action string

const (
	ActionShadowban Action = "shadowban"
	ActionEngine    Action = "engine"
	ActionBoost     Action = "boost"
	ActionIPBan     Action = "ipban"
	ActionClose     Action = "close"
	ActionAlt       Action = "alt"
	ActionPanic     Action = "panic"
	ActionNotify    Action = "notify"
)

// ParseAction распознаёт токен действия из операторской команды.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionShadowban, ActionEngine, ActionBoost, ActionIPBan,
		ActionClose, ActionAlt, ActionPanic, ActionNotify:
		return Action(s), true
	}
	return "", false
}

// ScriptRunner исполняет lua-критерий над пользователем. Реализация живёт в
// domain/script; интерфейс разрывает зависимость пакета правил от интерпретатора.
type ScriptRunner interface {
	Eval(src string, u *signup.User) (bool, error)
}

// Criterion — условие срабатывания правила. Для regex-видов шаблон
// компилируется при декодировании и кешируется.
type Criterion struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
	N     int    `json:"n,omitempty"` // только для ua_len_lte

	re *regexp.Regexp
}

// NewCriterion собирает критерий и сразу компилирует шаблон, если он есть.
// Для email/username regex принудительно включается (?i): операторы ожидают
// регистронезависимый матчинг.
func NewCriterion(kind, value string, n int) (Criterion, error) {
	c := Criterion{Kind: kind, Value: value, N: n}
	if err := c.compile(); err != nil {
		return Criterion{}, err
	}
	return c, nil
}

// compile валидирует вид и готовит regex. Вызывается из NewCriterion и при
// декодировании файла правил.
func (c *Criterion) compile() error {
	switch c.Kind {
	case KindEmailRegex, KindUsernameRegex:
		pattern := c.Value
		if !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", c.Value, err)
		}
		c.Value = pattern
		c.re = re
		return nil
	case KindIPEquals, KindPrintEquals, KindEmailContains, KindUsernameContains, KindLua:
		return nil
	case KindUALenLte:
		if c.N < 0 {
			return fmt.Errorf("ua_len_lte bound must be non-negative, got %d", c.N)
		}
		return nil
	default:
		return fmt.Errorf("unknown criterion kind %q", c.Kind)
	}
}

// UnmarshalJSON декодирует критерий и восстанавливает скомпилированный regex.
func (c *Criterion) UnmarshalJSON(data []byte) error {
	type alias Criterion
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Criterion(a)
	return c.compile()
}

// Match решает, срабатывает ли критерий на пользователе. Ошибки возможны
// только у lua-критерия; остальные виды чистые.
func (c *Criterion) Match(u *signup.User, scripts ScriptRunner) (bool, error) {
	switch c.Kind {
	case KindIPEquals:
		return c.Value == u.IP, nil
	case KindPrintEquals:
		return u.FingerPrint != "" && c.Value == u.FingerPrint, nil
	case KindEmailContains:
		return strings.Contains(strings.ToUpper(u.Email), strings.ToUpper(c.Value)), nil
	case KindEmailRegex:
		return c.re.MatchString(u.Email), nil
	case KindUsernameContains:
		return strings.Contains(strings.ToUpper(u.Username), strings.ToUpper(c.Value)), nil
	case KindUsernameRegex:
		return c.re.MatchString(u.Username), nil
	case KindUALenLte:
		return u.UserAgent != "" && len(u.UserAgent) <= c.N, nil
	case KindLua:
		if scripts == nil {
			return false, fmt.Errorf("lua criterion without script runner")
		}
		return scripts.Eval(c.Value, u)
	}
	return false, fmt.Errorf("unknown criterion kind %q", c.Kind)
}

// Friendly — человекочитаемое описание критерия для операторских ответов.
func (c *Criterion) Friendly() string {
	switch c.Kind {
	case KindIPEquals:
		return fmt.Sprintf("IP equals `%s`", c.Value)
	case KindPrintEquals:
		return fmt.Sprintf("Fingerprint hash equals `%s`", c.Value)
	case KindEmailContains:
		return fmt.Sprintf("Email address contains `%s`", c.Value)
	case KindEmailRegex:
		return fmt.Sprintf("Email address matches regular expression `%s`", c.Value)
	case KindUsernameContains:
		return fmt.Sprintf("Username contains (case-insensitive) `%s`", c.Value)
	case KindUsernameRegex:
		return fmt.Sprintf("Username matches regular expression `%s`", c.Value)
	case KindUALenLte:
		return fmt.Sprintf("User agent length is less than or equal to %d", c.N)
	case KindLua:
		return fmt.Sprintf("Lua code `%s` evaluates to true.", c.Value)
	}
	return "Unknown criterion."
}

// Millis — момент времени, сериализуемый как миллисекунды с эпохи.
// Так каталог остаётся совместимым с прежним форматом файла правил.
type Millis struct {
	time.Time
}

// NewMillis заворачивает time.Time, усечённый до миллисекунд, в Millis.
func NewMillis(t time.Time) Millis {
	return Millis{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON кодирует момент как целое число миллисекунд.
func (m Millis) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, m.UnixMilli(), 10), nil
}

// UnmarshalJSON декодирует целое число миллисекунд.
func (m *Millis) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid millis timestamp: %w", err)
	}
	m.Time = time.UnixMilli(v).UTC()
	return nil
}

// Rule — операторское правило. MostRecentCaught — кольцо из трёх последних
// пойманных имён без дубликатов; ExpNotification — ступень уведомлений об
// истечении: 0 не слали, 1 слали «скоро истечёт», 2 слали «истекло».
type Rule struct {
	Name             string    `json:"name"`
	Criterion        Criterion `json:"criterion"`
	Actions          []Action  `json:"actions"`
	MatchCount       int       `json:"match_count"`
	MostRecentCaught []string  `json:"most_recent_caught"`
	NoDelay          bool      `json:"no_delay"`
	Enabled          bool      `json:"enabled"`
	SuspIP           bool      `json:"susp_ip"`
	Expiry           *Millis   `json:"expiry,omitempty"`
	ExpNotification  int       `json:"exp_notification"`
	CreationDate     Millis    `json:"creation_date"`
	LatestMatchDate  *Millis   `json:"latest_match_date,omitempty"`
}

// UnmarshalJSON даёт полям значения по умолчанию, которых нет у нулевых
// значений Go: отсутствующее enabled означает true.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	aux := struct {
		*alias
		Enabled *bool `json:"enabled"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Enabled == nil {
		r.Enabled = true
	} else {
		r.Enabled = *aux.Enabled
	}
	if r.Name == "" {
		return fmt.Errorf("rule without name")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q without actions", r.Name)
	}
	return nil
}

// HasExpired сообщает, истёк ли срок правила к моменту now.
func (r *Rule) HasExpired(now time.Time) bool {
	return r.Expiry != nil && now.After(r.Expiry.Time)
}

// OnlyNotifies — правило, единственное действие которого — уведомление в чат.
// Для таких правил расширенная сводка о матче не публикуется.
func (r *Rule) OnlyNotifies() bool {
	return len(r.Actions) == 1 && r.Actions[0] == ActionNotify
}
