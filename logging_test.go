package rxloop

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// testEvent is a minimal logiface event that records its message and fields.
type testEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	fields []testField
}

type testField struct {
	key string
	val any
}

func (x *testEvent) Level() logiface.Level { return x.level }

func (x *testEvent) AddField(key string, val any) {
	x.fields = append(x.fields, testField{key: key, val: val})
}

func (x *testEvent) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

type testEventFactory struct{}

func (x *testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

// logRecord is an owned copy of a written event, safe to inspect after the
// logger has moved on.
type logRecord struct {
	level  logiface.Level
	msg    string
	fields []testField
}

func (x logRecord) field(key string) (any, bool) {
	for _, f := range x.fields {
		if f.key == key {
			return f.val, true
		}
	}
	return nil, false
}

// logRecorder is a logiface writer retaining every event it receives.
type logRecorder struct {
	mu      sync.Mutex
	records []logRecord
}

func (x *logRecorder) Write(event *testEvent) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.records = append(x.records, logRecord{
		level:  event.level,
		msg:    event.msg,
		fields: append([]testField(nil), event.fields...),
	})
	return nil
}

func (x *logRecorder) snapshot() []logRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]logRecord(nil), x.records...)
}

func (x *logRecorder) find(msg string) (logRecord, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range x.records {
		if r.msg == msg {
			return r, true
		}
	}
	return logRecord{}, false
}

// newTestLogger returns a debug-level logger whose events are copied into the
// returned recorder as they are written.
func newTestLogger() (*logiface.Logger[logiface.Event], *logRecorder) {
	rec := &logRecorder{}
	return logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](&testEventFactory{}),
		logiface.WithWriter[*testEvent](rec),
		logiface.WithLevel[*testEvent](logiface.LevelDebug),
	).Logger(), rec
}
