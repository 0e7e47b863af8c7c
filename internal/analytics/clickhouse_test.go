package analytics

import (
	"context"
	"testing"

	"github.com/perpx/vault-engine/internal/model"
)

func TestRecord_DropsOnFullBuffer(t *testing.T) {
	a := &Archiver{cfg: DefaultConfig(), ch: make(chan *model.Event, 2)}
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		a.Record(ctx, &model.Event{Seq: seq, Type: model.EventSwap})
	}

	if got := a.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if len(a.ch) != 2 {
		t.Errorf("buffered = %d, want 2", len(a.ch))
	}

	// buffered events are copies, not the caller's pointers
	ev := &model.Event{Seq: 99}
	a2 := &Archiver{cfg: DefaultConfig(), ch: make(chan *model.Event, 1)}
	a2.Record(ctx, ev)
	ev.Seq = 100
	if got := <-a2.ch; got.Seq != 99 {
		t.Errorf("buffered seq = %d, want the value at record time", got.Seq)
	}
}
