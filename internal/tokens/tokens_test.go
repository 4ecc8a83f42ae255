package tokens

import (
	"strings"
	"testing"
)

func TestHeuristicEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 40000), 10000},
	}
	for _, tt := range tests {
		if got := (Heuristic{}).Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(len %d) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	est, err := New("", "")
	if err != nil {
		t.Fatalf("New(\"\") error: %v", err)
	}
	if _, ok := est.(Heuristic); !ok {
		t.Errorf("New(\"\") = %T, want Heuristic", est)
	}

	if _, err := New("wordpiece", ""); err == nil {
		t.Error("New(wordpiece) should error")
	}
}
