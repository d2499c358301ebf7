// Package observable - опубликованное состояние менеджеров: текущее значение
// плюс подписчики, которые получают каждое новое значение.
package observable

import (
	"sync"
)

// Reader - доступ только на чтение, его отдают наружу
type Reader[T any] interface {
	Get() T
	// Subscribe сразу вызывает fn с текущим значением, затем с каждым новым.
	// Возвращает функцию отписки.
	Subscribe(fn func(T)) (cancel func())
	// Replay вызывает fn с текущим значением в порядке рассылки:
	// не раньше и не позже уже доставленных подписчикам значений.
	Replay(fn func(T))
}

// Value хранит значение и рассылает его подписчикам.
// Рассылка идет под отдельной блокировкой pub, поэтому подписчики видят
// значения в порядке записи, а устаревшее значение никогда не приходит
// после более нового. Промежуточные значения при гонке записей могут
// схлопываться: последним всегда доставляется текущее.
type Value[T any] struct {
	mu        sync.RWMutex
	v         T
	seq       uint64
	subs      map[int]func(T)
	next      int
	pub       sync.Mutex
	delivered uint64
}

// New создает Value с начальным значением
func New[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[int]func(T))}
}

// Get возвращает текущее значение
func (o *Value[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.v
}

// Set публикует новое значение. Подписчики вызываются вне блокировки значения.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	o.v = v
	o.seq++
	o.mu.Unlock()
	o.deliver()
}

// Update атомарно меняет значение и публикует результат.
// fn выполняется под блокировкой: она должна быть чистой и не трогать этот Value.
func (o *Value[T]) Update(fn func(T) T) {
	o.mu.Lock()
	o.v = fn(o.v)
	o.seq++
	o.mu.Unlock()
	o.deliver()
}

// deliver рассылает текущее значение, если оно еще не доставлено.
// pub никогда не берется под mu: подписчики читают Get того же значения.
func (o *Value[T]) deliver() {
	o.pub.Lock()
	defer o.pub.Unlock()

	o.mu.RLock()
	v, seq := o.v, o.seq
	fns := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	if seq <= o.delivered {
		return
	}
	o.delivered = seq
	for _, fn := range fns {
		fn(v)
	}
}

func (o *Value[T]) Subscribe(fn func(T)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	o.mu.Unlock()

	o.Replay(fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *Value[T]) Replay(fn func(T)) {
	o.pub.Lock()
	defer o.pub.Unlock()
	fn(o.Get())
}

// Subscribers - количество активных подписок
func (o *Value[T]) Subscribers() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}
