// Пакет config отвечает за сбор и предоставление конфигурации демона. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. фиксирует результат в неизменяемом snapshot, доступном через Env().
//
// Бизнес-контекст: демон слушает поток регистраций сервиса, проверяет каждую
// по набору правил и дёргает модераторский API. Операторы управляют правилами
// через чат (Zulip long-poll либо WebSocket), поэтому конфигурация описывает
// три вещи: апстрим-поток, модераторский API и чат-транспорт с адресацией
// топиков (main/notify/log/command).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Транспорты чата, которые демон умеет поднимать. Выбор фиксируется на старте.
const (
	TransportZulip     = "zulip"
	TransportWebSocket = "websocket"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
// Значения уже прошли минимальную валидацию и нормализацию в loadConfig;
// в рантайме предполагается, что EnvConfig последователен.
type EnvConfig struct {
	// Апстрим и модераторский API.
	StreamURL  string // URL потока регистраций (NDJSON, держится открытым)
	APIBaseURL string // базовый URL модераторского API, например https://lichess.org
	APIToken   string // bearer-токен для потока и модераторских вызовов
	ActionRPS  int    // лимит исходящих модераторских вызовов в секунду

	// Чат.
	ChatURL       string // хост чат-сервера (без схемы для zulip, полный URL для websocket)
	ChatTransport string // zulip | websocket
	BotID         string // идентификатор бота (zulip: bot e-mail)
	BotToken      string // API-токен бота
	BotName       string // имя, по которому операторы обращаются к боту: @**BotName**

	// Адресация топиков.
	MainStream    string
	MainTopic     string
	NotifyStream  string
	NotifyTopic   string
	LogStream     string
	LogTopic      string
	CommandStream string
	CommandTopic  string

	// Файлы и ресурсы.
	RulesFile     string // JSON-каталог правил (обязан существовать на старте)
	SeenCacheFile string // bbolt-файл со снапшотами недавних регистраций
	GeoIPDB       string // база MaxMind для обогащения по IP
	UARegexes     string // regexes.yaml для fallback-разбора user agent

	LogLevel string
	// Файловое логирование.
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: Env() отдаёт снимок по значению, Warnings() берёт RLock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа
}

// Значения по умолчанию для необязательных параметров окружения.
const (
	defaultLogLevel      = "info"
	defaultChatTransport = TransportZulip
	defaultActionRPS     = 4
	defaultMainStream    = "mod"
	defaultMainTopic     = "signups"
	defaultNotifyStream  = "mod"
	defaultNotifyTopic   = "signup-notify"
	defaultLogStream     = "mod-log"
	defaultLogTopic      = "signup-log"
	defaultCommandStream = "mod"
	defaultCommandTopic  = "signups"
	defaultRulesFile     = "data/rules.json"
	defaultSeenCacheFile = "data/seen_cache.bbolt"
	defaultGeoIPDB       = "assets/GeoLite2-City.mmdb"
	defaultUARegexes     = "assets/regexes.yaml"
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации).
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации демона.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	streamURL, err := requiredString("STREAM_URL")
	if err != nil {
		return nil, err
	}
	apiBaseURL, err := requiredString("API_BASE_URL")
	if err != nil {
		return nil, err
	}
	apiToken, err := requiredString("API_TOKEN")
	if err != nil {
		return nil, err
	}
	chatURL, err := requiredString("CHAT_URL")
	if err != nil {
		return nil, err
	}
	botID, err := requiredString("BOT_ID")
	if err != nil {
		return nil, err
	}
	botToken, err := requiredString("BOT_TOKEN")
	if err != nil {
		return nil, err
	}
	botName, err := requiredString("BOT_NAME")
	if err != nil {
		return nil, err
	}

	var warnings []string

	chatTransport := sanitizeTransport(os.Getenv("CHAT_TRANSPORT"), &warnings)
	actionRPS := parseIntDefault("ACTION_RPS", defaultActionRPS, greaterThanZero, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)

	mainStream := stringDefault("MAIN_STREAM", defaultMainStream, &warnings)
	mainTopic := stringDefault("MAIN_TOPIC", defaultMainTopic, &warnings)
	notifyStream := stringDefault("NOTIFY_STREAM", defaultNotifyStream, &warnings)
	notifyTopic := stringDefault("NOTIFY_TOPIC", defaultNotifyTopic, &warnings)
	logStream := stringDefault("LOG_STREAM", defaultLogStream, &warnings)
	logTopic := stringDefault("LOG_TOPIC", defaultLogTopic, &warnings)
	commandStream := stringDefault("COMMAND_STREAM", defaultCommandStream, &warnings)
	commandTopic := stringDefault("COMMAND_TOPIC", defaultCommandTopic, &warnings)

	rulesFile := stringDefault("RULES_FILE", defaultRulesFile, &warnings)
	seenCacheFile := stringDefault("SEEN_CACHE_FILE", defaultSeenCacheFile, &warnings)
	geoIPDB := stringDefault("GEOIP_DB", defaultGeoIPDB, &warnings)
	uaRegexes := stringDefault("UA_REGEXES", defaultUARegexes, &warnings)

	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	env := EnvConfig{
		StreamURL:  streamURL,
		APIBaseURL: strings.TrimRight(apiBaseURL, "/"),
		APIToken:   apiToken,
		ActionRPS:  actionRPS,

		ChatURL:       chatURL,
		ChatTransport: chatTransport,
		BotID:         botID,
		BotToken:      botToken,
		BotName:       botName,

		MainStream:    mainStream,
		MainTopic:     mainTopic,
		NotifyStream:  notifyStream,
		NotifyTopic:   notifyTopic,
		LogStream:     logStream,
		LogTopic:      logTopic,
		CommandStream: commandStream,
		CommandTopic:  commandTopic,

		RulesFile:     rulesFile,
		SeenCacheFile: seenCacheFile,
		GeoIPDB:       geoIPDB,
		UARegexes:     uaRegexes,

		LogLevel: logLevel,

		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// requiredString читает обязательную строковую переменную окружения name.
// Без неё демон не стартует.
func requiredString(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("env %s must be set", name)
	}
	return value, nil
}

// stringDefault возвращает значение переменной name либо fallback с предупреждением.
func stringDefault(name, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения
// набором {debug, info, warn, error}.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeTransport выбирает чат-транспорт (zulip|websocket). Некорректные
// значения приводятся к zulip с записью предупреждения.
func sanitizeTransport(transport string, warnings *[]string) string {
	tr := strings.ToLower(strings.TrimSpace(transport))
	if tr == "" {
		appendWarningf(warnings, "env CHAT_TRANSPORT is not set; using default %q", defaultChatTransport)
		return defaultChatTransport
	}
	if tr == TransportZulip || tr == TransportWebSocket {
		return tr
	}
	appendWarningf(warnings, "env CHAT_TRANSPORT value %q is invalid; using default %q", transport, defaultChatTransport)
	return defaultChatTransport
}
