package event

import "testing"

func TestBusOrderAndCancel(t *testing.T) {
	var b Bus[int]
	var got []string

	cancelA := b.Subscribe(func(v int) { got = append(got, "a") })
	b.Subscribe(func(v int) { got = append(got, "b") })

	b.Publish(1)
	cancelA()
	cancelA()
	b.Publish(2)

	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("deliveries[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestBusCancelDuringPublish(t *testing.T) {
	var b Bus[string]
	var cancelB func()
	calls := 0

	b.Subscribe(func(string) { cancelB() })
	cancelB = b.Subscribe(func(string) { calls++ })

	b.Publish("x")
	if calls != 0 {
		t.Errorf("handler cancelled earlier in Publish ran %d times", calls)
	}

	b.Subscribe(func(string) { calls++ })
	b.Close()
	b.Publish("y")
	if calls != 0 || b.Len() != 0 {
		t.Errorf("Close() left subscribers: calls=%d len=%d", calls, b.Len())
	}
}
