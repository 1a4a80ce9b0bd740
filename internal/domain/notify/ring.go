// Package notify — подавление повторных уведомлений в чат.
//
// Один пользователь может зацепить несколько правил подряд; операторам
// достаточно одного сообщения. Кольцо помнит последние несколько имён и
// гасит дубликаты.
package notify

import "strings"

// Ring — кольцо последних имён без дубликатов. Не потокобезопасно:
// используется только диспетчером.
type Ring struct {
	names    []string
	capacity int
}

// NewRing создаёт кольцо на capacity имён.
func NewRing(capacity int) *Ring {
	return &Ring{capacity: capacity}
}

// Offer регистрирует имя. Возвращает true, если имя новое и уведомление
// нужно отправить; повтор в пределах кольца даёт false.
func (r *Ring) Offer(username string) bool {
	key := strings.ToLower(username)
	for _, seen := range r.names {
		if seen == key {
			return false
		}
	}
	r.names = append(r.names, key)
	if len(r.names) > r.capacity {
		r.names = r.names[1:]
	}
	return true
}
