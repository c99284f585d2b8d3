package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestServerDeliversOneMessagePerConnection(t *testing.T) {
	var mu sync.Mutex
	var received []Message

	s, err := Listen("127.0.0.1:0", zerolog.Nop(), func(m Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	go s.Serve()

	want := Message{TaskID: "T0001", DeviceID: "AG001", Type: HighJitter, Details: "jitter high", Timestamp: 42}
	if err := Send(s.Addr().String(), want); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handler never received the message")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0] != want {
		t.Fatalf("got %+v, want %+v", received[0], want)
	}
}
