package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/bitmesh/pkg/message"
)

func msg(i int) message.Message {
	return message.Message{ID: fmt.Sprintf("m%d", i), DeviceID: "dev", Content: fmt.Sprintf("c%d", i)}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(DefaultCapacity)
	for i := 0; i < DefaultCapacity; i++ {
		r.Append(msg(i))
	}
	if r.Len() != DefaultCapacity {
		t.Fatalf("Len() = %d, want %d", r.Len(), DefaultCapacity)
	}

	r.Append(msg(DefaultCapacity))

	snap := r.Snapshot()
	if len(snap) != DefaultCapacity {
		t.Fatalf("ring grew past capacity: %d", len(snap))
	}
	if snap[0].ID != "m1" {
		t.Fatalf("oldest entry = %s, want m1", snap[0].ID)
	}
	if snap[len(snap)-1].ID != "m100" {
		t.Fatalf("newest entry = %s, want m100", snap[len(snap)-1].ID)
	}
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 3, 17} {
		r := NewRing(capacity)
		for i := 0; i < capacity*5; i++ {
			r.Append(msg(i))
			if r.Len() > capacity {
				t.Fatalf("capacity %d exceeded: %d", capacity, r.Len())
			}
		}
	}
}

func TestRingBefore(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 6; i++ {
		r.Append(msg(i))
	}

	tests := []struct {
		name string
		id   string
		n    int
		want []string
	}{
		{"three before newest", "m5", 3, []string{"m2", "m3", "m4"}},
		{"fewer available", "m1", 3, []string{"m0"}},
		{"first entry", "m0", 3, []string{}},
		{"unknown id uses tail", "gone", 2, []string{"m4", "m5"}},
		{"zero", "m5", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Before(tt.id, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("Before() = %d entries, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("entry %d = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestRingConcurrentReaders(t *testing.T) {
	r := NewRing(DefaultCapacity)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = r.Snapshot()
				_ = r.Before("m50", 3)
			}
		}()
	}
	for i := 0; i < 500; i++ {
		r.Append(msg(i))
	}
	wg.Wait()
	if r.Len() != DefaultCapacity {
		t.Fatalf("Len() = %d", r.Len())
	}
}
