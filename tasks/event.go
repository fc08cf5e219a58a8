package tasks

// ParallelPrefix marks an event id for parallel dispatch: each connected
// callback runs as its own async task instead of one ordered pass.
const ParallelPrefix uint32 = 0x01000000

// Event carries an id and an opaque payload to connected callbacks.
type Event struct {
	ID      uint32
	Payload any
}

// EventCallback handles one emitted event.
type EventCallback func(Event)

// IsParallelEvent reports whether the id selects parallel dispatch.
func IsParallelEvent(id uint32) bool {
	return id&ParallelPrefix == ParallelPrefix
}

// Int64 returns the payload as int64.
func (e Event) Int64() (int64, bool) {
	switch v := e.Payload.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}

// Float64 returns the payload as float64.
func (e Event) Float64() (float64, bool) {
	v, ok := e.Payload.(float64)
	return v, ok
}

// Bool returns the payload as bool.
func (e Event) Bool() (bool, bool) {
	v, ok := e.Payload.(bool)
	return v, ok
}

// String returns the payload as string.
func (e Event) String() (string, bool) {
	v, ok := e.Payload.(string)
	return v, ok
}

// Bytes returns the payload as a byte slice.
func (e Event) Bytes() ([]byte, bool) {
	v, ok := e.Payload.([]byte)
	return v, ok
}

// PayloadAs downcasts the payload to a concrete type.
func PayloadAs[T any](e Event) (T, bool) {
	v, ok := e.Payload.(T)
	return v, ok
}

// EventBus maps event ids to ordered callback lists. Registry mutation and
// lookup both happen on the group's main runner, which makes Connect and
// Emit safe from any goroutine without exposing a lock.
type EventBus struct {
	group *Group
	maps  map[uint32][]EventCallback
}

// NewEventBus creates an event bus dispatching through the group.
func NewEventBus(group *Group) *EventBus {
	return &EventBus{
		group: group,
		maps:  make(map[uint32][]EventCallback),
	}
}

// Connect appends cb to the callback list for id.
func (b *EventBus) Connect(id uint32, cb EventCallback) {
	b.group.PostTask(func() {
		b.maps[id] = append(b.maps[id], cb)
	})
}

// Emit dispatches the event to all callbacks connected to its id. Parallel
// ids fan out one async task per callback; ordered ids run all callbacks in
// registration order on a single async task.
func (b *EventBus) Emit(e Event) {
	b.group.PostTask(func() {
		cbs := b.maps[e.ID]
		if len(cbs) == 0 {
			return
		}
		b.dispatch(cbs, e)
	})
}

func (b *EventBus) dispatch(cbs []EventCallback, e Event) {
	if IsParallelEvent(e.ID) {
		for _, cb := range cbs {
			cb := cb
			b.group.PostAsyncTask(func() { cb(e) }, 0)
		}
		return
	}

	snapshot := make([]EventCallback, len(cbs))
	copy(snapshot, cbs)
	b.group.PostAsyncTask(func() {
		for _, cb := range snapshot {
			cb(e)
		}
	}, 0)
}
