package eventbus

import "testing"

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()

	b := New()
	retired, unsub := b.Subscribe(4, AccountRetired)
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: CycleDone, Owner: 1})
	b.Publish(Event{Type: AccountRetired, Owner: 1, Data: int64(7)})

	e := <-retired
	if e.Type != AccountRetired || e.Data.(int64) != 7 || e.Time.IsZero() {
		t.Fatalf("retired got %+v", e)
	}
	select {
	case e := <-retired:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber has %d events, want 2", len(all))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: CycleDone})
	}
	if len(ch) != 1 {
		t.Fatalf("len = %d, want 1", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: CycleDone})
}
