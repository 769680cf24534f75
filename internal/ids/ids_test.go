package ids

import "testing"

func TestGenerator_Monotonic(t *testing.T) {
	g, err := NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestGenerator_InvalidNode(t *testing.T) {
	if _, err := NewGenerator(1024); err == nil {
		t.Error("expected error for node id out of range")
	}
}
