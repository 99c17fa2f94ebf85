package tracker

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// registry keeps subscriptions in registration order. Replacing a name keeps
// its original position.
type registry struct {
	mu    sync.RWMutex
	order []string
	subs  map[string]Subscription
}

func (r *registry) put(sub Subscription) error {
	if sub.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSubscription)
	}
	if sub.Address == (common.Address{}) {
		return fmt.Errorf("%w: %s: address is required", ErrInvalidSubscription, sub.Name)
	}

	sub.Topics = copyTopics(sub.Topics)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string]Subscription)
	}
	if _, exists := r.subs[sub.Name]; !exists {
		r.order = append(r.order, sub.Name)
	}
	r.subs[sub.Name] = sub
	return nil
}

// snapshot returns a copy that an in-flight scan can use without holding the lock.
func (r *registry) snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.subs[name])
	}
	return out
}

func copyTopics(in [][]common.Hash) [][]common.Hash {
	if in == nil {
		return nil
	}
	out := make([][]common.Hash, len(in))
	for i, pos := range in {
		if pos != nil {
			out[i] = append([]common.Hash(nil), pos...)
		}
	}
	return out
}
