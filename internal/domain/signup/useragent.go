// useragent.go — извлечение сведений об устройстве из строки user agent.
// Сначала распознаются «свои» форматы (бот и мобильный клиент в двух
// вариантах), и только потом строка уходит в общий uap-go парсер.
package signup

import (
	"regexp"
	"strings"

	"github.com/ua-parser/uap-go/uaparser"
)

// UAParser — обёртка над uap-go с загрузкой regexes.yaml из файла.
type UAParser struct {
	parser *uaparser.Parser
}

// NewUAParser загружает набор регулярных выражений uap-go из указанного файла.
// Отсутствие файла фатально на старте: без fallback-парсера device-обогащение
// вырождается.
func NewUAParser(path string) (*UAParser, error) {
	p, err := uaparser.New(path)
	if err != nil {
		return nil, err
	}
	return &UAParser{parser: p}, nil
}

const botPrefix = "lichess-bot/"

var (
	// Длинная форма мобильного клиента:
	//   lichess mobile/0.15.3 (1234) as:anon sri:abc os:Android/14 dev:Pixel 8
	mobileLongRe = regexp.MustCompile(
		`(?i)lichess mobile/(\S+)(?: \(\d*\))? as:(\S+) sri:(\S+) os:(Android|iOS)/(\S+) dev:(.*)`)
	// Сокращённая форма: LM/0.15.3 Android/14 Pixel 8
	mobileTrimRe = regexp.MustCompile(`LM/(\S+) (Android|iOS)/(\S+) (.*)`)
)

// ParseUserAgent пробует форматы по порядку и возвращает первый распознанный.
// fallback может быть nil: тогда нераспознанная строка даёт пустой DeviceInfo.
func ParseUserAgent(ua string, fallback *UAParser) DeviceInfo {
	if strings.HasPrefix(ua, botPrefix) {
		rest := strings.TrimPrefix(ua, botPrefix)
		version, _, _ := strings.Cut(rest, " ")
		return DeviceInfo{
			Device: "Computer",
			OS:     "Other",
			Client: "lichess-bot " + version,
		}
	}

	if m := mobileLongRe.FindStringSubmatch(ua); m != nil {
		return DeviceInfo{
			Device: strings.TrimSpace(m[6]),
			OS:     m[4] + " " + m[5],
			Client: "Lichess Mobile " + m[1],
		}
	}

	if m := mobileTrimRe.FindStringSubmatch(ua); m != nil {
		return DeviceInfo{
			Device: strings.TrimSpace(m[4]),
			OS:     m[2] + " " + m[3],
			Client: "Lichess Mobile " + m[1],
		}
	}

	if fallback == nil || fallback.parser == nil {
		return DeviceInfo{}
	}

	client := fallback.parser.Parse(ua)
	device := client.Device.Family
	if device == "Other" {
		// Семейство "Other" у uap-go почти всегда означает десктопный браузер.
		device = "Computer"
	}
	return DeviceInfo{
		Device: device,
		OS:     familyWithMajor(client.Os.Family, client.Os.Major),
		Client: familyWithMajor(client.UserAgent.Family, client.UserAgent.Major),
	}
}

// familyWithMajor склеивает семейство и мажорную версию, когда она известна.
func familyWithMajor(family, major string) string {
	if major == "" {
		return family
	}
	return family + " " + major
}
