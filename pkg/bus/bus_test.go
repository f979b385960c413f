package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, SubjectSelectionChanged, func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, SubjectSelectionChanged, []byte("hello"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != SubjectSelectionChanged {
			t.Errorf("Expected subject %q, got %q", SubjectSelectionChanged, msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBus_Wildcards(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()

	tests := []struct {
		pattern string
		subject string
		matches bool
	}{
		{"margin.selection.*", SubjectSelectionChanged, true},
		{"margin.selection.*", SubjectSelectionCleared, true},
		{"margin.selection.*", SubjectViewportScrolled, false},
		{"margin.>", SubjectAnnotationOffline, true},
		{"margin.annotation.saved", SubjectAnnotationSaved, true},
		{"margin.annotation.saved", SubjectAnnotationOffline, false},
		{"margin.*", SubjectThreadUpdated, false}, // * is a single token
	}

	for _, tt := range tests {
		var count atomic.Int32
		sub, err := bus.Subscribe(ctx, tt.pattern, func(msg *Message) {
			count.Add(1)
		})
		if err != nil {
			t.Fatalf("Subscribe(%q): %v", tt.pattern, err)
		}

		if err := bus.Publish(ctx, tt.subject, []byte("x")); err != nil {
			t.Fatalf("Publish(%q): %v", tt.subject, err)
		}

		deadline := time.Now().Add(500 * time.Millisecond)
		for count.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		got := count.Load() > 0
		if got != tt.matches {
			t.Errorf("pattern %q vs subject %q: matched=%v, want %v", tt.pattern, tt.subject, got, tt.matches)
		}
		sub.Unsubscribe()
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		once := sync.Once{}
		_, err := bus.Subscribe(ctx, SubjectAnnotationSaved, func(msg *Message) {
			once.Do(wg.Done)
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := bus.Publish(ctx, SubjectAnnotationSaved, []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the message")
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32

	sub, err := bus.Subscribe(ctx, SubjectViewportResized, func(msg *Message) {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	if err := bus.Publish(ctx, SubjectViewportResized, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("received %d messages after unsubscribe", count.Load())
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := bus.Publish(context.Background(), "margin.x", nil); err != ErrClosed {
		t.Errorf("Publish on closed bus: got %v, want ErrClosed", err)
	}
	if _, err := bus.Subscribe(context.Background(), "margin.x", func(*Message) {}); err != ErrClosed {
		t.Errorf("Subscribe on closed bus: got %v, want ErrClosed", err)
	}
	if err := bus.Close(); err != ErrClosed {
		t.Errorf("double Close: got %v, want ErrClosed", err)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c.d", true},
		{">", "anything.at.all", true},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
	}
	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
