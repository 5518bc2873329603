package clock

import (
	"testing"
)

func TestVectorClock_Increment(t *testing.T) {
	vc := New()
	vc.Increment("us")
	if vc.Get("us") != 1 {
		t.Errorf("Expected counter 1, got %d", vc.Get("us"))
	}

	vc.Increment("us")
	if vc.Get("us") != 2 {
		t.Errorf("Expected counter 2, got %d", vc.Get("us"))
	}

	vc.Increment("eu")
	if vc.Get("eu") != 1 {
		t.Errorf("Expected counter 1 for eu, got %d", vc.Get("eu"))
	}
}

func TestVectorClock_Merge(t *testing.T) {
	vc1 := New()
	vc1.Set("us", 3)
	vc1.Set("eu", 1)

	vc2 := New()
	vc2.Set("us", 2)
	vc2.Set("eu", 5)
	vc2.Set("ap", 1)

	vc1.Merge(vc2)

	if vc1.Get("us") != 3 {
		t.Errorf("Expected 3 (max), got %d", vc1.Get("us"))
	}
	if vc1.Get("eu") != 5 {
		t.Errorf("Expected 5 (max), got %d", vc1.Get("eu"))
	}
	if vc1.Get("ap") != 1 {
		t.Errorf("Expected 1, got %d", vc1.Get("ap"))
	}
}

func TestVectorClock_Compare(t *testing.T) {
	tests := []struct {
		name     string
		vc1      VectorClock
		vc2      VectorClock
		expected Relation
	}{
		{
			name:     "equal clocks",
			vc1:      VectorClock{"us": 1, "eu": 2},
			vc2:      VectorClock{"us": 1, "eu": 2},
			expected: Equal,
		},
		{
			name:     "empty clocks are equal",
			vc1:      New(),
			vc2:      New(),
			expected: Equal,
		},
		{
			name:     "nil equals empty",
			vc1:      nil,
			vc2:      New(),
			expected: Equal,
		},
		{
			name:     "explicit zero equals absent",
			vc1:      VectorClock{"us": 1, "eu": 0},
			vc2:      VectorClock{"us": 1},
			expected: Equal,
		},
		{
			name:     "vc1 before vc2",
			vc1:      VectorClock{"us": 1, "eu": 1},
			vc2:      VectorClock{"us": 2, "eu": 2},
			expected: Before,
		},
		{
			name:     "vc1 after vc2",
			vc1:      VectorClock{"us": 2, "eu": 2},
			vc2:      VectorClock{"us": 1, "eu": 1},
			expected: After,
		},
		{
			name:     "concurrent: vc1 has higher us, vc2 has higher eu",
			vc1:      VectorClock{"us": 2, "eu": 1},
			vc2:      VectorClock{"us": 1, "eu": 2},
			expected: Concurrent,
		},
		{
			name:     "vc1 before vc2 (subset)",
			vc1:      VectorClock{"us": 1},
			vc2:      VectorClock{"us": 2, "eu": 1},
			expected: Before,
		},
		{
			name:     "empty before non-empty",
			vc1:      New(),
			vc2:      VectorClock{"us": 1},
			expected: Before,
		},
		{
			name:     "concurrent (subset with different values)",
			vc1:      VectorClock{"us": 2},
			vc2:      VectorClock{"us": 1, "eu": 2},
			expected: Concurrent,
		},
		{
			name:     "concurrent: disjoint regions",
			vc1:      VectorClock{"us": 1},
			vc2:      VectorClock{"eu": 1},
			expected: Concurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.vc1.Compare(tt.vc2)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestVectorClock_Copy(t *testing.T) {
	vc1 := New()
	vc1.Set("us", 5)
	vc1.Set("eu", 3)

	vc2 := vc1.Copy()
	if !vc1.Equal(vc2) {
		t.Error("Copy should be equal to original")
	}

	vc2.Increment("us")
	if vc1.Get("us") == vc2.Get("us") {
		t.Error("Modifying copy should not affect original")
	}
}

func TestVectorClock_Dominates(t *testing.T) {
	vc1 := VectorClock{"us": 2, "eu": 2}
	vc2 := VectorClock{"us": 1, "eu": 1}

	if !vc1.Dominates(vc2) {
		t.Error("vc1 should dominate vc2")
	}
	if vc2.Dominates(vc1) {
		t.Error("vc2 should not dominate vc1")
	}
	if !vc1.Covers(vc1.Copy()) {
		t.Error("a clock should cover an equal clock")
	}
}

func TestVectorClock_String_Deterministic(t *testing.T) {
	vc := New()
	vc.Set("us", 3)
	vc.Set("ap", 1)
	vc.Set("eu", 2)

	if got, want := vc.String(), "{ap:1, eu:2, us:3}"; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestParse(t *testing.T) {
	vc, err := Parse(`{"us":1,"eu":4}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if vc.Get("eu") != 4 {
		t.Errorf("Expected eu=4, got %d", vc.Get("eu"))
	}

	if _, err := Parse(`{"us":-1}`); err == nil {
		t.Error("Expected error for negative counter")
	}
	if _, err := Parse(`not json`); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	empty, err := Parse("")
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty clock, got %v (%v)", empty, err)
	}
}

func TestEngine_Stamp(t *testing.T) {
	e := NewEngine()

	first := e.Stamp("K", "us")
	if first.Get("us") != 1 {
		t.Fatalf("Expected us=1 after first stamp, got %v", first)
	}

	second := e.Stamp("K", "us")
	if second.Get("us") != 2 {
		t.Fatalf("Expected us=2 after second stamp, got %v", second)
	}
	if second.Compare(first) != After {
		t.Errorf("Second stamp should be after the first, got %v", second.Compare(first))
	}

	// Returned clocks are copies.
	second.Increment("us")
	if e.Clock("K").Get("us") != 2 {
		t.Error("Mutating a returned clock must not affect the engine")
	}
}

func TestEngine_IndependentRegionsAreConcurrent(t *testing.T) {
	us := NewEngine()
	eu := NewEngine()

	a := us.Stamp("K", "us")
	b := eu.Stamp("K", "eu")

	if got := us.Compare(a, b); got != Concurrent {
		t.Errorf("Expected concurrent, got %v", got)
	}
}

func TestEngine_Observe(t *testing.T) {
	e := NewEngine()
	e.Stamp("K", "us")

	merged := e.Observe("K", VectorClock{"eu": 3})
	if merged.Get("us") != 1 || merged.Get("eu") != 3 {
		t.Errorf("Unexpected merged clock %v", merged)
	}
	if e.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", e.Len())
	}
	if len(e.Clock("missing")) != 0 {
		t.Error("Unseen key should have an empty clock")
	}
}
