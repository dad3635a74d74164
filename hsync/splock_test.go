package hsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplockExcludes(t *testing.T) {
	var sl Splock_t
	var wg sync.WaitGroup
	n := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				sl.Lock()
				n++
				sl.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, n)
}

func TestUnlockUnlockedPanics(t *testing.T) {
	var sl Splock_t
	require.Panics(t, func() { sl.Unlock() })
}
