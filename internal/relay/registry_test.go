package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryStoreLoadRemove(t *testing.T) {
	r := newSessionRegistry()

	h := &sessionHandler{sessionID: "a"}
	r.store("a", h)

	got, ok := r.load("a")
	assert.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.size())

	r.remove("a")
	_, ok = r.load("a")
	assert.False(t, ok)
	assert.Equal(t, 0, r.size())
}

func TestRegistryReplace(t *testing.T) {
	r := newSessionRegistry()

	first := &sessionHandler{sessionID: "a"}
	second := &sessionHandler{sessionID: "a"}
	r.store("a", first)
	r.store("a", second)

	got, ok := r.load("a")
	assert.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.size())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := newSessionRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i)
			r.store(id, &sessionHandler{sessionID: id})
			r.load(id)
			if i%2 == 0 {
				r.remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.size())
}
