package session

import (
	"testing"
	"time"
)

func TestFeedReplaysCurrentValue(t *testing.T) {
	f := NewFeed(7)
	f.Set(42)

	ch, cancel := f.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		if got != 42 {
			t.Fatalf("expected replayed 42, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed value")
	}
}

func TestFeedDeliversUpdatesInOrder(t *testing.T) {
	f := NewFeed(0)
	ch, cancel := f.Subscribe()
	defer cancel()
	<-ch

	f.Set(1)
	f.Set(2)
	f.Set(3)

	for want := 1; want <= 3; want++ {
		select {
		case got := <-ch:
			if got != want {
				t.Fatalf("expected %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing update %d", want)
		}
	}
}

func TestFeedGetTracksLatest(t *testing.T) {
	f := NewFeed("a")
	f.Set("b")
	if got := f.Get(); got != "b" {
		t.Fatalf("expected %q, got %q", "b", got)
	}
}

func TestFeedSlowSubscriberKeepsNewest(t *testing.T) {
	f := NewFeed(0)
	ch, cancel := f.Subscribe()
	defer cancel()

	// Publish far more than the buffer without draining; the publisher
	// must not block, and the newest value must survive.
	for i := 1; i <= 100; i++ {
		f.Set(i)
	}

	last := -1
	for {
		select {
		case got := <-ch:
			last = got
			continue
		default:
		}
		break
	}
	if last != 100 {
		t.Fatalf("expected the newest value 100 to survive, got %d", last)
	}
}

func TestFeedCancelDetaches(t *testing.T) {
	f := NewFeed(0)
	ch, cancel := f.Subscribe()
	<-ch
	cancel()

	f.Set(1)
	select {
	case got := <-ch:
		t.Fatalf("detached subscriber received %d", got)
	default:
	}
}

func TestFeedMultipleSubscribers(t *testing.T) {
	f := NewFeed(0)
	a, cancelA := f.Subscribe()
	defer cancelA()
	b, cancelB := f.Subscribe()
	defer cancelB()
	<-a
	<-b

	f.Set(5)
	for _, ch := range []<-chan int{a, b} {
		select {
		case got := <-ch:
			if got != 5 {
				t.Fatalf("expected 5, got %d", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the update")
		}
	}
}
