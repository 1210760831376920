package pubsub_test

import (
	"testing"
	"time"

	"github.com/jabberd-go/s2s/pubsub"
)

func TestPublishSubscribe(t *testing.T) {
	logger := pubsub.NewLogger(4)

	sub1, unsub1 := logger.Subscribe()
	defer unsub1()
	sub2, unsub2 := logger.Subscribe()
	defer unsub2()

	logger.Publish("hello")

	select {
	case msg := <-sub1:
		if msg != "hello" {
			t.Errorf("subscriber 1: expected %q, got %q", "hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received the message")
	}

	select {
	case msg := <-sub2:
		if msg != "hello" {
			t.Errorf("subscriber 2: expected %q, got %q", "hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received the message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	logger := pubsub.NewLogger(1)

	sub, unsub := logger.Subscribe()
	unsub()

	logger.Publish("after unsubscribe")

	if _, ok := <-sub; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestWriteImplementsIOWriter(t *testing.T) {
	logger := pubsub.NewLogger(1)
	sub, unsub := logger.Subscribe()
	defer unsub()

	n, err := logger.Write([]byte("line\n"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n != len("line\n") {
		t.Fatalf("Write returned n=%d, want %d", n, len("line\n"))
	}

	select {
	case msg := <-sub:
		if msg != "line\n" {
			t.Errorf("expected %q, got %q", "line\n", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the write")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	logger := pubsub.NewLogger(1)
	_, unsub := logger.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		logger.Publish("one")
		logger.Publish("two")
		logger.Publish("three")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}
