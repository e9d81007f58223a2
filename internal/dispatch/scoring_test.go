package dispatch

import "testing"

func fptr(f float64) *float64 { return &f }

func TestScoreWeights(t *testing.T) {
	// reliability*1.0 - respTime*0.5 + rating*10.
	c := Candidate{
		ID:               "a",
		Rating:           fptr(4.0),
		ReliabilityScore: fptr(80.0),
		ResponseTimeAvg:  fptr(20.0),
	}
	want := 80.0 - 10.0 + 40.0
	if got := Score(c); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestScoreDefaults(t *testing.T) {
	// A candidate with no history scores as if they had the default
	// rating, reliability and response time.
	blank := Score(Candidate{ID: "new"})
	explicit := Score(Candidate{
		ID:               "old",
		Rating:           fptr(DefaultRating),
		ReliabilityScore: fptr(DefaultReliability),
		ResponseTimeAvg:  fptr(DefaultResponseTimeAvg),
	})
	if blank != explicit {
		t.Fatalf("defaults mismatch: blank=%v explicit=%v", blank, explicit)
	}
}

func TestScoreDeterministic(t *testing.T) {
	c := Candidate{ID: "a", Rating: fptr(3.5), ReliabilityScore: fptr(92.0), ResponseTimeAvg: fptr(8.0)}
	first := Score(c)
	for i := 0; i < 100; i++ {
		if got := Score(c); got != first {
			t.Fatalf("score changed between calls: %v vs %v", first, got)
		}
	}
}

func TestBestCandidate(t *testing.T) {
	t.Run("higher score wins", func(t *testing.T) {
		a := Candidate{ID: "a", Rating: fptr(5.0), ReliabilityScore: fptr(100.0), ResponseTimeAvg: fptr(0.0)}  // 150
		b := Candidate{ID: "b", Rating: fptr(4.0), ReliabilityScore: fptr(90.0), ResponseTimeAvg: fptr(30.0)} // 115
		id, ok := BestCandidate([]Candidate{b, a})
		if !ok || id != "a" {
			t.Fatalf("expected a, got %q ok=%v", id, ok)
		}
	})

	t.Run("reliability breaks equal ratings", func(t *testing.T) {
		a := Candidate{ID: "A", Rating: fptr(5.0), ReliabilityScore: fptr(100.0), ResponseTimeAvg: fptr(0.0)}
		b := Candidate{ID: "B", Rating: fptr(5.0), ReliabilityScore: fptr(90.0), ResponseTimeAvg: fptr(0.0)}
		id, ok := BestCandidate([]Candidate{a, b})
		if !ok || id != "A" {
			t.Fatalf("expected A, got %q ok=%v", id, ok)
		}
	})

	t.Run("tie keeps first seen", func(t *testing.T) {
		a := Candidate{ID: "first"}
		b := Candidate{ID: "second"}
		id, ok := BestCandidate([]Candidate{a, b})
		if !ok || id != "first" {
			t.Fatalf("expected first-seen winner, got %q ok=%v", id, ok)
		}
	})

	t.Run("empty pool", func(t *testing.T) {
		if id, ok := BestCandidate(nil); ok || id != "" {
			t.Fatalf("expected no winner, got %q ok=%v", id, ok)
		}
	})
}
