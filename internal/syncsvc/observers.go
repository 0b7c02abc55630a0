package syncsvc

import "sync"

type observer[T any] struct {
	id int
	fn func(T)
}

// observers is a registration list with removal tokens
type observers[T any] struct {
	mu   sync.Mutex
	next int
	list []observer[T]
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	id := o.next
	o.list = append(o.list, observer[T]{id: id, fn: fn})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, obs := range o.list {
			if obs.id == id {
				o.list = append(o.list[:i:i], o.list[i+1:]...)
				return
			}
		}
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	list := make([]observer[T], len(o.list))
	copy(list, o.list)
	o.mu.Unlock()

	for _, obs := range list {
		obs.fn(v)
	}
}
