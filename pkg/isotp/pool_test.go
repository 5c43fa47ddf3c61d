package isotp

import "testing"

func TestSlab_AcquireReleaseReusesStableIndices(t *testing.T) {
	s := newSlab[int](2)
	idx1, item1, ok := s.acquire()
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	*item1 = 42

	idx2, _, ok := s.acquire()
	if !ok {
		t.Fatal("expected second acquire to succeed")
	}
	if idx1 == idx2 {
		t.Fatal("expected distinct indices")
	}

	if _, _, ok := s.acquire(); ok {
		t.Fatal("expected pool exhaustion")
	}

	s.release(idx1)
	idx3, item3, ok := s.acquire()
	if !ok {
		t.Fatal("expected acquire after release to succeed")
	}
	if idx3 != idx1 {
		t.Fatalf("expected reused index %d, got %d", idx1, idx3)
	}
	if *item3 != 0 {
		t.Fatal("expected zero-valued item on reacquire")
	}
}

func TestSlab_InUseAccounting(t *testing.T) {
	s := newSlab[int](3)
	if s.inUse() != 0 {
		t.Fatalf("got %d", s.inUse())
	}
	idx, _, _ := s.acquire()
	if s.inUse() != 1 {
		t.Fatalf("got %d", s.inUse())
	}
	s.release(idx)
	if s.inUse() != 0 {
		t.Fatalf("got %d", s.inUse())
	}
}
