// Package signup — модель кандидата на регистрацию и её обогащение.
//
// User приходит из апстрим-потока (NDJSON, camelCase) либо собирается из
// операторской команды test/namechk. После конструирования объект неизменяем:
// диспетчер один раз прогоняет его по правилам, снимает снапшот для кэша
// недавних регистраций и забывает.
package signup

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GeoInfo — результат геопривязки IP. Поля пустые, если база ничего не знает.
type GeoInfo struct {
	Country      string   `json:"country,omitempty"`
	City         string   `json:"city,omitempty"`
	Subdivisions []string `json:"subdivisions,omitempty"`
}

// DeviceInfo — сведения об устройстве, выведенные из user agent (см. useragent.go).
type DeviceInfo struct {
	Device string `json:"device,omitempty"`
	OS     string `json:"os,omitempty"`
	Client string `json:"client,omitempty"`
}

// User — кандидат на регистрацию. Username сравнивается без учёта регистра,
// но хранится как пришёл. SuspIP выставляет апстрим по своим спискам.
type User struct {
	Username    string      `json:"username"`
	Email       string      `json:"email"`
	IP          string      `json:"ip"`
	UserAgent   string      `json:"userAgent,omitempty"`
	FingerPrint string      `json:"fingerPrint,omitempty"`
	SuspIP      bool        `json:"suspIp,omitempty"`
	GeoIP       *GeoInfo    `json:"geoip,omitempty"`
	Device      *DeviceInfo `json:"device,omitempty"`
}

// KeyUsername возвращает имя в нижнем регистре — ключ для кэша недавних
// регистраций и для сравнения идентичности.
func (u *User) KeyUsername() string {
	return strings.ToLower(u.Username)
}

// streamLine — обёртка строки апстрим-потока с тегом события.
type streamLine struct {
	T string `json:"t"`
	User
}

// DecodeStreamLine разбирает одну строку NDJSON-потока. Строки с чужим тегом
// считаются ошибкой десериализации: вызывающий логирует и пропускает их.
func DecodeStreamLine(line []byte) (*User, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, err
	}
	if sl.T != "signup" {
		return nil, fmt.Errorf("unexpected stream event tag %q", sl.T)
	}
	if sl.Username == "" {
		return nil, fmt.Errorf("signup event without username")
	}
	u := sl.User
	return &u, nil
}

// DecodeUser разбирает JSON пользователя из операторской команды test.
func DecodeUser(data []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	if u.Username == "" {
		return nil, fmt.Errorf("user json without username")
	}
	return &u, nil
}

// Enricher дополняет пользователя геоданными и сведениями об устройстве.
// Оба источника опциональны: обогащение не выполняется, если апстрим уже
// прислал поле или если соответствующий ресурс не настроен.
type Enricher struct {
	geo *GeoResolver
	ua  *UAParser
}

// NewEnricher собирает Enricher из готовых ресурсов. Любой из них может быть nil.
func NewEnricher(geo *GeoResolver, ua *UAParser) *Enricher {
	return &Enricher{geo: geo, ua: ua}
}

// Enrich заполняет GeoIP и Device на месте. Ошибки геопоиска не фатальны:
// пользователь без геоданных всё равно проходит по правилам.
func (e *Enricher) Enrich(u *User) {
	if e == nil || u == nil {
		return
	}
	if u.GeoIP == nil && u.IP != "" && e.geo != nil {
		if info, err := e.geo.Lookup(u.IP); err == nil {
			u.GeoIP = info
		}
	}
	if u.Device == nil && u.UserAgent != "" {
		d := ParseUserAgent(u.UserAgent, e.ua)
		u.Device = &d
	}
}
