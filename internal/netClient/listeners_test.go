package netclient

import "testing"

func TestListeners(t *testing.T) {
	l := NewListeners()
	var got []any
	once := l.Open(func(v any) { got = append(got, v) }, true)
	persistent := l.Open(func(v any) { got = append(got, v) }, false)
	if once == persistent {
		t.Fatal("indices must be distinct")
	}

	if !l.Resolve(once, "a") || l.Resolve(once, "b") {
		t.Fatal("single shot listener resolved twice")
	}
	l.Resolve(persistent, int64(1))
	l.Resolve(persistent, int64(2))
	if len(got) != 3 || got[0] != "a" || got[2] != int64(2) {
		t.Fatalf("got %v", got)
	}

	l.Close(persistent)
	if l.Resolve(persistent, nil) || l.Len() != 0 {
		t.Fatalf("Len = %d after Close", l.Len())
	}
}
