package redis

import (
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestPumpTerminatesWithUndrainedReceiver(t *testing.T) {
	s := &subscription{out: make(chan json.RawMessage, 1)}
	in := make(chan *goredis.Message)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pump(in)
	}()

	// Nobody drains s.out; everything past the buffer must be dropped,
	// not block the pump.
	for i := 0; i < 10; i++ {
		in <- &goredis.Message{Payload: `{"event":"ping"}`}
	}
	close(in)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump wedged on a full receive buffer")
	}

	// The buffered head is intact and the channel is closed behind it.
	if got, ok := <-s.out; !ok || string(got) != `{"event":"ping"}` {
		t.Fatalf("got %s (ok=%v), want buffered payload", got, ok)
	}
	if _, ok := <-s.out; ok {
		t.Fatal("receive channel left open after pump exit")
	}
}
