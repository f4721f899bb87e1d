package rxloop

import (
	"sync"
)

// Token is an idempotent cancellation handle. Releasing a token revokes the
// resource it guards — a scheduled invocation, a timer, a subscription —
// exactly once; the second and later calls are no-ops.
//
// Thread Safety:
// All Token implementations in this package are safe for concurrent use.
// Release never blocks and never panics on repeat calls.
type Token interface {
	Release()
}

// CallbackToken wraps a release action that is invoked at most once.
//
// The zero value is not usable; construct with [NewToken].
type CallbackToken struct {
	mu       sync.Mutex
	release  func()
	released bool
}

// NewToken returns a token that invokes release on the first Release call.
//
// A nil release yields an inert token: Release only flips the released flag.
// The release action is invoked outside the token's internal lock, so it may
// safely re-enter this package.
func NewToken(release func()) *CallbackToken {
	return &CallbackToken{release: release}
}

// Release invokes the wrapped action if this is the first call, and is a
// no-op otherwise.
//
// Thread Safety: Safe to call concurrently; exactly one caller runs the action.
func (x *CallbackToken) Release() {
	x.mu.Lock()
	if x.released {
		x.mu.Unlock()
		return
	}
	x.released = true
	release := x.release
	x.release = nil
	x.mu.Unlock()

	if release != nil {
		release()
	}
}

// Released returns true once Release has been called.
func (x *CallbackToken) Released() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.released
}

// TokenGroup releases a set of tokens as one unit. Membership order is
// irrelevant; releasing the group releases every member exactly once.
//
// The zero value is not usable; construct with [NewTokenGroup].
type TokenGroup struct {
	mu       sync.Mutex
	tokens   []Token
	released bool
}

// NewTokenGroup returns a group holding the given tokens. Nil members are
// skipped.
func NewTokenGroup(tokens ...Token) *TokenGroup {
	g := &TokenGroup{tokens: make([]Token, 0, len(tokens))}
	for _, t := range tokens {
		if t != nil {
			g.tokens = append(g.tokens, t)
		}
	}
	return g
}

// Add inserts a token into the group. If the group has already been
// released, the token is released immediately instead of being stored.
//
// Thread Safety: Safe to call concurrently.
func (x *TokenGroup) Add(t Token) {
	if t == nil {
		return
	}

	x.mu.Lock()
	if x.released {
		x.mu.Unlock()
		t.Release()
		return
	}
	x.tokens = append(x.tokens, t)
	x.mu.Unlock()
}

// Remove removes a token from the group by identity and releases it.
// Returns true if the token was a member.
//
// Releasing on removal mirrors subscription-group semantics: dropping a
// member out of the group revokes it.
func (x *TokenGroup) Remove(t Token) bool {
	if t == nil {
		return false
	}

	x.mu.Lock()
	for i, member := range x.tokens {
		if member == t {
			x.tokens = append(x.tokens[:i], x.tokens[i+1:]...)
			x.mu.Unlock()
			t.Release()
			return true
		}
	}
	x.mu.Unlock()
	return false
}

// Len returns the current number of members.
func (x *TokenGroup) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tokens)
}

// Release releases every member exactly once and marks the group released.
// Members are copied out under the lock and released outside it, so member
// release actions may safely call back into the group.
//
// Thread Safety: Safe to call concurrently; idempotent.
func (x *TokenGroup) Release() {
	x.mu.Lock()
	if x.released {
		x.mu.Unlock()
		return
	}
	x.released = true
	tokens := x.tokens
	x.tokens = nil
	x.mu.Unlock()

	for _, t := range tokens {
		t.Release()
	}
}

// Released returns true once Release has been called.
func (x *TokenGroup) Released() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.released
}

// TokenSlot is a deferred-assignment token: the underlying token is supplied
// after construction, at most once while the slot is unreleased.
//
// Assigning a slot that has already been released releases the incoming
// token immediately and discards it. Assigning twice while the slot is still
// active is a contract violation and panics.
//
// The zero value is not usable; construct with [NewTokenSlot].
type TokenSlot struct {
	mu       sync.Mutex
	token    Token
	assigned bool
	released bool
}

// NewTokenSlot returns an empty, unreleased slot.
func NewTokenSlot() *TokenSlot {
	return &TokenSlot{}
}

// Assign supplies the slot's underlying token.
//
// If the slot was released before assignment, t is released immediately.
// Assigning a second token while the slot is active panics: the slot exists
// to hand exactly one deferred resource to exactly one earlier-created
// handle, and a second assignment indicates a wiring bug.
//
// Assign(nil) marks the slot assigned without storing anything.
func (x *TokenSlot) Assign(t Token) {
	x.mu.Lock()
	if x.assigned {
		x.mu.Unlock()
		panic(`rxloop: token slot already assigned`)
	}
	x.assigned = true
	if x.released {
		x.mu.Unlock()
		if t != nil {
			t.Release()
		}
		return
	}
	x.token = t
	x.mu.Unlock()
}

// Token returns the assigned token, or nil if the slot is unassigned or was
// released before assignment.
func (x *TokenSlot) Token() Token {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.token
}

// Release releases the assigned token, if any, and marks the slot released
// so a later assignment is released on arrival.
//
// Thread Safety: Safe to call concurrently; idempotent.
func (x *TokenSlot) Release() {
	x.mu.Lock()
	if x.released {
		x.mu.Unlock()
		return
	}
	x.released = true
	t := x.token
	x.token = nil
	x.mu.Unlock()

	if t != nil {
		t.Release()
	}
}

// Released returns true once Release has been called.
func (x *TokenSlot) Released() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.released
}

// SerialToken holds at most one inner token at a time. Setting a new inner
// token releases the previous one; releasing the serial token releases the
// current inner token and causes any future Set to release its argument
// immediately.
//
// The zero value is not usable; construct with [NewSerialToken].
type SerialToken struct {
	mu       sync.Mutex
	token    Token
	released bool
}

// NewSerialToken returns an empty, unreleased serial token.
func NewSerialToken() *SerialToken {
	return &SerialToken{}
}

// Set replaces the inner token. The previous inner token, if any, is
// released. If the serial token has already been released, t is released
// immediately.
func (x *SerialToken) Set(t Token) {
	x.mu.Lock()
	if x.released {
		x.mu.Unlock()
		if t != nil {
			t.Release()
		}
		return
	}
	old := x.token
	x.token = t
	x.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// Token returns the current inner token, or nil.
func (x *SerialToken) Token() Token {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.token
}

// Release releases the current inner token, if any.
//
// Thread Safety: Safe to call concurrently; idempotent.
func (x *SerialToken) Release() {
	x.mu.Lock()
	if x.released {
		x.mu.Unlock()
		return
	}
	x.released = true
	t := x.token
	x.token = nil
	x.mu.Unlock()

	if t != nil {
		t.Release()
	}
}

// Released returns true once Release has been called.
func (x *SerialToken) Released() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.released
}
