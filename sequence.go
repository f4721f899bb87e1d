package rxloop

import (
	"slices"
	"sync"
	"time"
)

// Observer receives the notifications of a [Sequence]: zero or more OnNext
// calls, then at most one OnError or OnCompleted, after which the sequence
// is done and no further calls are made.
type Observer interface {
	OnNext(value any)
	OnError(err error)
	OnCompleted()
}

// observerFuncs adapts three optional callbacks to [Observer].
type observerFuncs struct {
	onNext      func(any)
	onError     func(error)
	onCompleted func()
}

func (o *observerFuncs) OnNext(value any) {
	if o.onNext != nil {
		o.onNext(value)
	}
}

func (o *observerFuncs) OnError(err error) {
	if o.onError != nil {
		o.onError(err)
	}
}

func (o *observerFuncs) OnCompleted() {
	if o.onCompleted != nil {
		o.onCompleted()
	}
}

// NewObserver returns an [Observer] calling the given functions; nil
// functions are no-ops.
func NewObserver(onNext func(any), onError func(error), onCompleted func()) Observer {
	return &observerFuncs{onNext: onNext, onError: onError, onCompleted: onCompleted}
}

// Sequence is a push-based source of values. Subscribe registers an
// observer and returns a token that unsubscribes it; after the token is
// released the observer receives no further notifications (best-effort for
// sources emitting from another goroutine).
type Sequence interface {
	Subscribe(o Observer) Token
}

// SequenceFunc adapts a subscribe function to [Sequence].
type SequenceFunc func(o Observer) Token

// Subscribe implements [Sequence].
func (f SequenceFunc) Subscribe(o Observer) Token {
	return f(o)
}

// Never returns a sequence that emits nothing and never terminates.
func Never() Sequence {
	return SequenceFunc(func(Observer) Token {
		return NewToken(nil)
	})
}

// Empty returns a sequence that completes immediately on subscribe.
func Empty() Sequence {
	return SequenceFunc(func(o Observer) Token {
		o.OnCompleted()
		return NewToken(nil)
	})
}

// Throw returns a sequence that errors with err immediately on subscribe.
func Throw(err error) Sequence {
	return SequenceFunc(func(o Observer) Token {
		o.OnError(err)
		return NewToken(nil)
	})
}

// FromSlice returns a sequence that synchronously emits the items in order
// and completes. Releasing the subscription token from inside OnNext stops
// the remaining emissions.
func FromSlice(items []any) Sequence {
	return SequenceFunc(func(o Observer) Token {
		t := NewToken(nil)
		for _, v := range items {
			if t.Released() {
				return t
			}
			o.OnNext(v)
		}
		if !t.Released() {
			o.OnCompleted()
		}
		return t
	})
}

// Interval returns a sequence that emits 0, 1, 2, ... every period on the
// scheduler's loop thread, forever, until the subscription token is
// released.
func Interval(period time.Duration, sched *Scheduler) Sequence {
	return SequenceFunc(func(o Observer) Token {
		return sched.SchedulePeriodic(period, func(state any) any {
			n := state.(int)
			o.OnNext(n)
			return n + 1
		}, 0)
	})
}

// subjectSub wraps one subscription so removal works by pointer identity
// regardless of the observer's dynamic type.
type subjectSub struct {
	o Observer
}

// Subject is both an [Observer] and a [Sequence]: notifications pushed into
// it fan out to every current subscriber. After a terminal notification the
// subject is done; late subscribers receive the terminal notification
// immediately.
//
// Thread Safety: all methods are safe for concurrent use. Subscribers are
// notified outside the subject's lock, so an observer that unsubscribes
// concurrently may still receive one in-flight notification.
type Subject struct {
	mu   sync.Mutex
	subs []*subjectSub
	done bool
	err  error
}

// NewSubject returns an empty, live subject.
func NewSubject() *Subject {
	return &Subject{}
}

// Subscribe implements [Sequence].
func (s *Subject) Subscribe(o Observer) Token {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			o.OnError(err)
		} else {
			o.OnCompleted()
		}
		return NewToken(nil)
	}
	sub := &subjectSub{o: o}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return NewToken(func() {
		s.mu.Lock()
		for i, cur := range s.subs {
			if cur == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	})
}

// OnNext pushes a value to every current subscriber. No-op once done.
func (s *Subject) OnNext(value any) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.o.OnNext(value)
	}
}

// OnError terminates the subject with err and notifies every subscriber.
// No-op once done.
func (s *Subject) OnError(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.o.OnError(err)
	}
}

// OnCompleted terminates the subject and notifies every subscriber. No-op
// once done.
func (s *Subject) OnCompleted() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.o.OnCompleted()
	}
}
