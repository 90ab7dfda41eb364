package broadcast

import (
	"context"
	"errors"
	"testing"
)

func TestFetchWindowOrdersOldestFirst(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := SenderIdentity{ID: 1, Username: "alice"}
	// Newest first, as the provider returns history.
	tr.saved[1] = []Message{
		{ID: 50, Text: "newest"},
		{ID: 49},
		{ID: 48, HasMedia: true},
		{ID: 47, Text: "old"},
		{ID: 46, Text: "oldest"},
	}

	w, err := FetchWindow(context.Background(), tr, s, 3)
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if w.Available != 4 {
		t.Fatalf("Available = %d, want 4", w.Available)
	}
	got := []int{w.Messages[0].ID, w.Messages[1].ID, w.Messages[2].ID}
	want := []int{46, 47, 48}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window ids = %v, want %v", got, want)
		}
	}
}

func TestFetchWindowInsufficient(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := SenderIdentity{ID: 1, Username: "alice"}
	tr.saved[1] = []Message{{ID: 3, Text: "a"}, {ID: 2, Text: "b"}, {ID: 1, Text: "c"}}

	_, err := FetchWindow(context.Background(), tr, s, 5)
	if !errors.Is(err, ErrInsufficientMessages) {
		t.Fatalf("err = %v, want ErrInsufficientMessages", err)
	}
	var ime *InsufficientMessagesError
	if !errors.As(err, &ime) || ime.Available != 3 || ime.Requested != 5 {
		t.Fatalf("err = %#v, want available 3 requested 5", err)
	}
	if Hint(err) == "" {
		t.Fatalf("Hint should explain the shortfall")
	}
}

func TestMessageIndexRotates(t *testing.T) {
	t.Parallel()

	w := MessageWindow{Messages: []Message{{ID: 10}, {ID: 11}, {ID: 12}}, K: 3}
	want := []int{10, 11, 12, 10, 11, 12, 10}
	for cycle, id := range want {
		if got := w.At(int64(cycle)).ID; got != id {
			t.Fatalf("At(%d) = %d, want %d", cycle, got, id)
		}
	}
	if got := MessageIndex(7, 0); got != 0 {
		t.Fatalf("MessageIndex(7, 0) = %d, want 0", got)
	}
}
