package channel

import (
	"strconv"
	"testing"

	"pushi/internal/models"
)

func pushN(r *Ring, n int) {
	for i := 0; i < n; i++ {
		r.Push(models.Event{MID: strconv.Itoa(i)})
	}
}

func TestRingEviction(t *testing.T) {
	r := NewRing(3)
	pushN(r, 5)

	if r.Len() != 3 {
		t.Fatalf("expected 3 retained events, got %d", r.Len())
	}

	recent := r.Recent(0, 3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	// Newest first.
	if recent[0].MID != "4" || recent[1].MID != "3" || recent[2].MID != "2" {
		t.Fatalf("unexpected order: %v %v %v", recent[0].MID, recent[1].MID, recent[2].MID)
	}
}

func TestRingSkipAndCount(t *testing.T) {
	r := NewRing(10)
	pushN(r, 5)

	tests := []struct {
		skip, count int
		want        []string
	}{
		{0, 2, []string{"4", "3"}},
		{2, 2, []string{"2", "1"}},
		{4, 3, []string{"0"}},
		{5, 3, nil},
		{0, 0, nil},
		{-1, 1, []string{"4"}},
	}
	for _, tt := range tests {
		got := r.Recent(tt.skip, tt.count)
		if len(got) != len(tt.want) {
			t.Errorf("Recent(%d, %d) returned %d events, want %d", tt.skip, tt.count, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].MID != tt.want[i] {
				t.Errorf("Recent(%d, %d)[%d] = %q, want %q", tt.skip, tt.count, i, got[i].MID, tt.want[i])
			}
		}
	}
}
