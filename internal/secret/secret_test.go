package secret

import (
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	t.Parallel()

	b, err := New("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := b.Seal("1BVtsOH8Bu...session")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "1BVtsOH8Bu...session" {
		t.Fatalf("Seal returned plaintext")
	}
	got, err := b.Open(sealed)
	if err != nil || got != "1BVtsOH8Bu...session" {
		t.Fatalf("Open = %q, %v", got, err)
	}

	other, _ := New("other")
	if _, err := other.Open(sealed); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("wrong key err = %v, want ErrCorrupt", err)
	}
	if _, err := b.Open("!!not base64"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("garbage err = %v, want ErrCorrupt", err)
	}
}

func TestEmptyPassphrasePassesThrough(t *testing.T) {
	t.Parallel()

	b, _ := New("")
	if b.Enabled() {
		t.Fatalf("empty passphrase should disable the box")
	}
	s, _ := b.Seal("x")
	o, _ := b.Open(s)
	if s != "x" || o != "x" {
		t.Fatalf("passthrough broken: %q %q", s, o)
	}
}
