package typing

import (
	"fmt"
	"sync"
)

// Roster tracks which remote users are typing in one room. There is no expiry: a
// lost "false" event leaves the user listed until the next event for them.
type Roster struct {
	mx    sync.Mutex
	self  string
	order []string
}

func NewRoster(self string) *Roster {
	return &Roster{self: self}
}

// Set applies a typing event and reports whether the roster changed.
func (r *Roster) Set(username string, isTyping bool) bool {
	if username == "" || username == r.self {
		return false
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	for i, u := range r.order {
		if u != username {
			continue
		}
		if isTyping {
			return false
		}
		r.order = append(r.order[:i], r.order[i+1:]...)
		return true
	}
	if !isTyping {
		return false
	}
	r.order = append(r.order, username)
	return true
}

// Typing returns usernames in the order they started typing.
func (r *Roster) Typing() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Roster) Clear() {
	r.mx.Lock()
	r.order = nil
	r.mx.Unlock()
}

// Summary renders the roster for display; empty when nobody is typing.
func (r *Roster) Summary() string {
	users := r.Typing()
	switch len(users) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing", users[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing", users[0], users[1])
	default:
		return fmt.Sprintf("%d people are typing", len(users))
	}
}
