package workspace

import "testing"

func TestSaveAndRestoreShadow(t *testing.T) {
	s := &State{Beta: []float64{1, 2}, Delta: [][]float64{{0.1}, {0.2}}}
	s.SaveShadow()

	s.Beta[0] = 99
	s.Delta[0][0] = 99

	s.RestoreShadow()
	if s.Beta[0] != 1 {
		t.Fatalf("expected beta restored to 1, got %v", s.Beta[0])
	}
	if s.Delta[0][0] != 0.1 {
		t.Fatalf("expected delta restored to 0.1, got %v", s.Delta[0][0])
	}
}

func TestRestoreShadowWithoutSaveIsNoop(t *testing.T) {
	s := &State{Beta: []float64{5}}
	s.RestoreShadow()
	if s.Beta[0] != 5 {
		t.Fatalf("expected no-op restore to leave beta untouched, got %v", s.Beta[0])
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := &State{Beta: []float64{1, 2}, Delta: [][]float64{{0.5}}}
	c := s.Clone()
	c.Beta[0] = 42
	c.Delta[0][0] = 42
	if s.Beta[0] != 1 {
		t.Fatalf("mutating the clone's beta must not affect the original")
	}
	if s.Delta[0][0] != 0.5 {
		t.Fatalf("mutating the clone's delta must not affect the original")
	}
}
