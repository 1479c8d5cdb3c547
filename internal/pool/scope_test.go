package pool

import (
	"errors"
	"testing"
)

type fakeCloser struct {
	closed bool
	err    error
	order  *[]string
	name   string
}

func (f *fakeCloser) Close() error {
	f.closed = true
	if f.order != nil {
		*f.order = append(*f.order, f.name)
	}
	return f.err
}

func TestScopeCloseIsIdempotent(t *testing.T) {
	s := NewRoot()
	c := &fakeCloser{}
	s.AddCloser(c)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if !c.closed {
		t.Fatal("closer was not closed")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestChildClosedWithParent(t *testing.T) {
	root := NewRoot()
	child := root.NewChild()
	c := &fakeCloser{}
	child.AddCloser(c)

	if err := root.Close(); err != nil {
		t.Fatalf("root.Close() error = %v", err)
	}
	if !child.Closed() {
		t.Error("child scope was not closed when parent closed")
	}
	if !c.closed {
		t.Error("child's closer was not invoked")
	}
}

func TestCloseOrderChildrenThenClosersReversed(t *testing.T) {
	var order []string
	root := NewRoot()
	child := root.NewChild()
	child.AddCloser(&fakeCloser{order: &order, name: "child"})
	root.AddCloser(&fakeCloser{order: &order, name: "first"})
	root.AddCloser(&fakeCloser{order: &order, name: "second"})

	if err := root.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := []string{"child", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestAddCloserAfterCloseClosesImmediately(t *testing.T) {
	s := NewRoot()
	_ = s.Close()

	c := &fakeCloser{}
	s.AddCloser(c)
	if !c.closed {
		t.Error("closer registered after Close() was not closed immediately")
	}
}

func TestNewChildAfterCloseIsAlreadyClosed(t *testing.T) {
	s := NewRoot()
	_ = s.Close()

	child := s.NewChild()
	if !child.Closed() {
		t.Error("child created from a closed parent should itself be closed")
	}
}

func TestCloseReturnsFirstError(t *testing.T) {
	s := NewRoot()
	wantErr := errors.New("boom")
	s.AddCloser(&fakeCloser{err: wantErr})
	s.AddCloser(&fakeCloser{})

	err := s.Close()
	if !errors.Is(err, wantErr) {
		t.Errorf("Close() error = %v, want %v", err, wantErr)
	}
}

func TestChildDetachesFromParentOnClose(t *testing.T) {
	root := NewRoot()
	child := root.NewChild()
	if err := child.Close(); err != nil {
		t.Fatalf("child.Close() error = %v", err)
	}

	root.mu.Lock()
	_, present := root.children[child]
	root.mu.Unlock()
	if present {
		t.Error("closed child was not detached from parent")
	}
}
