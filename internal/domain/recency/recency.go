// Package recency — кеш недавних регистраций поверх bbolt.
//
// Демон помнит последние Capacity наблюдений регистраций: очередь строго в
// порядке поступления плюс карта «имя в нижнем регистре → очередь снапшотов
// обогащённых данных». Операторы спрашивают `seen <фрагмент>` и получают JSON
// того, что демон видел в моменты регистрации. Кеш переживает рестарты,
// поэтому живёт в bbolt-файле, а не в памяти.
//
// Пишет в кеш только диспетчер; bbolt при этом ещё и защищает файл от второй
// копии демона через файловую блокировку.
package recency

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"modwatch/internal/domain/signup"
	"modwatch/internal/infra/storage"
)

// Capacity — размер очереди наблюдений. При переполнении вытесняются самые
// старые записи.
const Capacity = 10_000

var (
	bucketQueue = []byte("queue") // seq -> username
	bucketUsers = []byte("users") // username -> JSON-массив снапшотов
)

// Cache — очередь последних регистраций. Ключи — имена в нижнем регистре.
type Cache struct {
	db       *bolt.DB
	capacity int

	// count дублирует длину очереди в памяти: Bucket.Stats внутри
	// незакоммиченной транзакции не видит её собственных изменений,
	// поэтому на него нельзя опираться при вытеснении.
	count int
}

// Open открывает (при необходимости создаёт) файл кеша.
func Open(path string) (*Cache, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("ensure cache dir: %w", err)
	}
	db, err := bolt.Open(path, storage.DefaultFilePerm, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open seen cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketQueue, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init seen cache: %w", err)
	}

	c := &Cache{db: db, capacity: Capacity}
	err = db.View(func(tx *bolt.Tx) error {
		c.count = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("count seen cache: %w", err)
	}
	return c, nil
}

// Close закрывает файл кеша.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Remember добавляет наблюдение пользователя в очередь. Повторная регистрация
// того же имени дописывает снапшот в очередь имени; позиция в очереди
// вытеснения при этом не обновляется, вытеснение строго FIFO по наблюдениям.
func (c *Cache) Remember(u *signup.User) error {
	key := []byte(u.KeyUsername())
	snapshot, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user snapshot: %w", err)
	}

	evicted := 0
	err = c.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		users := tx.Bucket(bucketUsers)

		seq, err := queue.NextSequence()
		if err != nil {
			return err
		}
		seqKey := make([]byte, 8)
		binary.BigEndian.PutUint64(seqKey, seq)
		if err := queue.Put(seqKey, key); err != nil {
			return err
		}

		snaps, err := decodeSnapshots(users.Get(key))
		if err != nil {
			return err
		}
		if err := putSnapshots(users, key, append(snaps, snapshot)); err != nil {
			return err
		}

		// Вытеснение: уходит самое старое наблюдение, из очереди
		// снапшотов его имени — первый элемент. Имя без снапшотов
		// удаляется целиком.
		for c.count+1-evicted > c.capacity {
			cur := queue.Cursor()
			oldest, victim := cur.First()
			if oldest == nil {
				break
			}
			// Байты курсора живут до первой мутации бакета.
			name := append([]byte(nil), victim...)
			if err := queue.Delete(oldest); err != nil {
				return err
			}
			if err := dropOldestSnapshot(users, name); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.count += 1 - evicted
	return nil
}

// Contains сообщает, есть ли имя (без учёта регистра) в очереди.
func (c *Cache) Contains(username string) (bool, error) {
	key := []byte(strings.ToLower(username))
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketUsers).Get(key) != nil
		return nil
	})
	return found, err
}

// Search возвращает до limit снапшотов пользователей, имя которых содержит
// fragment (без учёта регистра). Снапшоты одного имени идут в порядке
// наблюдений. limit <= 0 снимает ограничение.
func (c *Cache) Search(fragment string, limit int) ([]string, error) {
	frag := strings.ToLower(fragment)
	var out []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			if !strings.Contains(string(k), frag) {
				return nil
			}
			snaps, err := decodeSnapshots(v)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				out = append(out, string(s))
				if limit > 0 && len(out) >= limit {
					return errStopIteration
				}
			}
			return nil
		})
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	return out, nil
}

// Len — текущее число наблюдений в очереди.
func (c *Cache) Len() int {
	return c.count
}

func decodeSnapshots(v []byte) ([]json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	var snaps []json.RawMessage
	if err := json.Unmarshal(v, &snaps); err != nil {
		return nil, fmt.Errorf("decode snapshot queue: %w", err)
	}
	return snaps, nil
}

func putSnapshots(users *bolt.Bucket, key []byte, snaps []json.RawMessage) error {
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("encode snapshot queue: %w", err)
	}
	return users.Put(key, data)
}

func dropOldestSnapshot(users *bolt.Bucket, key []byte) error {
	snaps, err := decodeSnapshots(users.Get(key))
	if err != nil {
		return err
	}
	if len(snaps) <= 1 {
		return users.Delete(key)
	}
	return putSnapshots(users, key, snaps[1:])
}

var errStopIteration = fmt.Errorf("stop iteration")
