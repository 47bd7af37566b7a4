package castsession

import (
	"strings"
	"sync"

	"go2tv.app/castsession/castprotocol"
)

// IdentityKey is the store key of the persisted receiver application ID.
const IdentityKey = "receiverApplicationId"

// Store is durable key/value configuration.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Identity resolves the receiver application ID: the value set by this
// process, else the persisted one, else the Default Media Receiver.
type Identity struct {
	mu     sync.Mutex
	memory string
	store  Store
}

// NewIdentity returns an Identity backed by store, which may be nil.
func NewIdentity(store Store) *Identity {
	return &Identity{store: store}
}

// Current returns the effective receiver application ID.
func (i *Identity) Current() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.memory != "" {
		return i.memory
	}
	if i.store != nil {
		if v, ok := i.store.Get(IdentityKey); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return castprotocol.DefaultReceiverAppID
}

// Apply persists id and makes it current. The returned func restores the
// previous memory and store values.
func (i *Identity) Apply(id string) (func(), error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	prevMemory := i.memory
	prevStored, hadStored := "", false
	if i.store != nil {
		prevStored, hadStored = i.store.Get(IdentityKey)
		if err := i.store.Set(IdentityKey, id); err != nil {
			return nil, err
		}
	}
	i.memory = id

	return func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		i.memory = prevMemory
		if i.store == nil {
			return
		}
		if !hadStored {
			prevStored = ""
		}
		_ = i.store.Set(IdentityKey, prevStored)
	}, nil
}
