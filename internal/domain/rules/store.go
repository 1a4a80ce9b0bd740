// store.go — файловый каталог правил: загрузка на старте, упорядоченное
// хранение и атомарная перезапись после каждой мутации.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"modwatch/internal/infra/logger"
	"modwatch/internal/infra/storage"
)

// Ошибки каталога. Диспетчер превращает их в ответы операторам в чате.
var (
	ErrDuplicateName  = errors.New("already a rule found with that name")
	ErrInvalidPattern = errors.New("invalid regex")
	ErrNoSuchRule     = errors.New("no such rule found")
)

// Store — упорядоченный каталог правил поверх одного JSON-файла.
//
// Потокобезопасность намеренно отсутствует: по контракту демона все мутации
// выполняет единственный воркер-диспетчер. Каталог невелик (сотни правил),
// поэтому после каждой мутации файл переписывается целиком.
type Store struct {
	rules []*Rule
	path  string
}

// Load читает каталог из файла. Отсутствие или нечитаемость файла — ошибка:
// на старте это фатально, демон без каталога не работает.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read rules json: %w", err)
	}

	var loaded []*Rule
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules json: %w", err)
	}

	// Имена обязаны быть уникальными: дубликат — повреждённый каталог.
	names := make(map[string]bool, len(loaded))
	for _, r := range loaded {
		if names[r.Name] {
			return nil, fmt.Errorf("duplicate rule name: %s", r.Name)
		}
		names[r.Name] = true
	}

	logger.Infof("Loaded %d rules from %s", len(loaded), path)
	return &Store{rules: loaded, path: path}, nil
}

// save сериализует каталог и атомарно переписывает файл.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if err := storage.AtomicWriteFile(s.path, data); err != nil {
		return fmt.Errorf("persist rules: %w", err)
	}
	return nil
}

// Rules возвращает каталог в порядке проверки. Слайс общий — вызывающий
// не должен его мутировать (читает только диспетчер).
func (s *Store) Rules() []*Rule {
	return s.rules
}

// Len — число правил в каталоге.
func (s *Store) Len() int {
	return len(s.rules)
}

// Find возвращает правило по имени либо nil.
func (s *Store) Find(name string) *Rule {
	for _, r := range s.rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Add добавляет правило в конец каталога и сохраняет файл.
// Дубликат имени отклоняется до каких-либо изменений.
func (s *Store) Add(r *Rule) error {
	if s.Find(r.Name) != nil {
		return ErrDuplicateName
	}
	s.rules = append(s.rules, r)
	return s.save()
}

// Remove удаляет правило по имени. Возвращает признак «что-то удалили»;
// файл переписывается только при фактическом изменении.
func (s *Store) Remove(name string) (bool, error) {
	for i, r := range s.rules {
		if r.Name == name {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return true, s.save()
		}
	}
	return false, nil
}

// Enable включает все правила, имя которых матчится pattern. Возвращает
// число затронутых правил.
func (s *Store) Enable(pattern string) (int, error) {
	return s.setEnabled(pattern, true)
}

// Disable выключает все правила, имя которых матчится pattern.
func (s *Store) Disable(pattern string) (int, error) {
	return s.setEnabled(pattern, false)
}

func (s *Store) setEnabled(pattern string, enabled bool) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, ErrInvalidPattern
	}
	count := 0
	for _, r := range s.rules {
		if re.MatchString(r.Name) {
			r.Enabled = enabled
			count++
		}
	}
	return count, s.save()
}

// Renew устанавливает новый срок действия и сбрасывает ступень уведомлений
// об истечении: правило снова «живое», и операторов надо предупреждать заново.
func (s *Store) Renew(name string, expiry time.Time) error {
	r := s.Find(name)
	if r == nil {
		return ErrNoSuchRule
	}
	m := NewMillis(expiry)
	r.Expiry = &m
	r.ExpNotification = 0
	return s.save()
}

// Caught фиксирует пойманного пользователя. Идемпотентно в пределах кольца
// последних трёх имён: повторная поимка того же пользователя не меняет
// ни счётчик, ни файл.
func (s *Store) Caught(name, username string) error {
	r := s.Find(name)
	if r == nil {
		return ErrNoSuchRule
	}
	for _, seen := range r.MostRecentCaught {
		if seen == username {
			return nil
		}
	}

	r.MatchCount++
	now := NewMillis(time.Now())
	r.LatestMatchDate = &now
	r.MostRecentCaught = append(r.MostRecentCaught, username)
	if len(r.MostRecentCaught) > 3 {
		r.MostRecentCaught = r.MostRecentCaught[1:]
	}
	return s.save()
}

// ListNames перечисляет имена правил в порядке каталога; выключенные
// оборачиваются в скобки.
func (s *Store) ListNames() []string {
	names := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			names = append(names, r.Name)
		} else {
			names = append(names, "("+r.Name+")")
		}
	}
	return names
}

// Save публично переписывает файл. Нужен диспетчеру после прохода по срокам
// действия, когда ступени уведомлений меняются пакетно.
func (s *Store) Save() error {
	return s.save()
}
