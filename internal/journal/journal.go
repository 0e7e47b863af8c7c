// Package journal assigns sequence numbers to engine events and fans them
// out to recorders: the store, the websocket hub, metrics, and the
// analytics archiver all consume the same stream.
package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/perpx/vault-engine/internal/model"
)

// A Recorder consumes events emitted by the engine. Record must not block
// the caller for long: the vault mutex is held while events are recorded.
type Recorder interface {
	Record(ctx context.Context, ev *model.Event)
}

// Journal stamps events with a monotonic sequence and forwards them.
type Journal struct {
	seq  atomic.Int64
	recs []Recorder
}

// New creates a journal fanning out to the given recorders.
func New(recs ...Recorder) *Journal {
	return &Journal{recs: recs}
}

// Seed sets the next sequence number, used after a snapshot restore so the
// stream continues where the previous run stopped.
func (j *Journal) Seed(seq int64) {
	j.seq.Store(seq)
}

// Seq returns the last assigned sequence number.
func (j *Journal) Seq() int64 {
	return j.seq.Load()
}

// Record stamps the event and forwards it to every recorder in order.
func (j *Journal) Record(ctx context.Context, ev *model.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Seq = j.seq.Add(1)
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, r := range j.recs {
		r.Record(ctx, ev)
	}
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, ev *model.Event)

func (f RecorderFunc) Record(ctx context.Context, ev *model.Event) { f(ctx, ev) }

// Nop discards every event. Tests use it where the stream is irrelevant.
func Nop() *Journal { return New() }
