package maps

import "fmt"

// Implementation names accepted by New.
const (
	ImplXSync   = "xsync"
	ImplSharded = "sharded"
	ImplCornelk = "cornelk"
	ImplSync    = "sync"
)

// Integer is a constraint that permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Key is the set of key types every backend can hash.
type Key interface {
	Integer | ~string
}

// ConcurrentMap is a generic, thread-safe map. The session registry and the
// provider catalog index are built on it so the backend can be swapped from
// configuration without touching their logic.
type ConcurrentMap[K Key, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value for key, or stores and returns
	// the value built by valueFactory. loaded reports which one happened.
	LoadOrStore(key K, valueFactory func() V) (actual V, loaded bool)
	Range(f func(key K, value V) bool)
	Len() int
}

// Implementations lists the accepted backend names.
func Implementations() []string {
	return []string{ImplXSync, ImplSharded, ImplCornelk, ImplSync}
}

// ValidImplementation reports whether name selects a known backend.
// The empty string selects the default.
func ValidImplementation(name string) bool {
	switch name {
	case "", ImplXSync, ImplSharded, ImplCornelk, ImplSync:
		return true
	}
	return false
}

// New returns the backend selected by impl. An empty impl selects xsync.
func New[K Key, V any](impl string) (ConcurrentMap[K, V], error) {
	switch impl {
	case "", ImplXSync:
		return NewXSyncMap[K, V](), nil
	case ImplSharded:
		return NewShardedMap[K, V](), nil
	case ImplCornelk:
		return NewCornelkMap[K, V](), nil
	case ImplSync:
		return NewStdSyncMap[K, V](), nil
	default:
		return nil, fmt.Errorf("unknown map implementation %q", impl)
	}
}

// NewConcurrentMap returns the default backend.
func NewConcurrentMap[K Key, V any]() ConcurrentMap[K, V] {
	return NewXSyncMap[K, V]()
}
