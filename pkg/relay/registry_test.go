package relay

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistryRegisterGetRemove(t *testing.T) {
	reg := NewRegistry()
	c := newConnection("c1", okAuth().identity, "en", &captureClient{}, nil, nil)

	reg.Register(c)
	got, ok := reg.Get("c1")
	if !ok || got != c {
		t.Fatalf("expected to get registered connection")
	}
	if !reg.Remove("c1") {
		t.Fatalf("expected removal to report true")
	}
	if reg.Remove("c1") {
		t.Fatalf("expected second removal to be a no-op")
	}
	if _, ok := reg.Get("c1"); ok {
		t.Fatalf("expected entry gone")
	}
}

func TestRegistryUpdateDoesNotResurrect(t *testing.T) {
	reg := NewRegistry()
	c := newConnection("c1", okAuth().identity, "en", &captureClient{}, nil, nil)
	reg.Register(c)

	if !reg.Update("c1", func(c *Connection) { c.Language = "fr" }) {
		t.Fatalf("expected update on live entry")
	}
	if got, _ := reg.Get("c1"); got.Language != "fr" {
		t.Fatalf("mutation lost")
	}

	reg.Remove("c1")
	if reg.Update("c1", func(c *Connection) { c.Language = "de" }) {
		t.Fatalf("update must not touch a removed entry")
	}
	if reg.Len() != 0 {
		t.Fatalf("removed entry resurrected")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			c := newConnection(id, okAuth().identity, "en", &captureClient{}, nil, nil)
			reg.Register(c)
			reg.Update(id, func(c *Connection) { c.Language = "it" })
			if _, ok := reg.Get(id); !ok {
				t.Errorf("entry %s missing", id)
			}
			if i%2 == 0 {
				reg.Remove(id)
				reg.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	if got := reg.Len(); got != n/2 {
		t.Fatalf("expected %d surviving entries, got %d", n/2, got)
	}
	if got := len(reg.IDs()); got != n/2 {
		t.Fatalf("expected %d ids, got %d", n/2, got)
	}
}
