package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInt64(t *testing.T) {
	g := Int64{}
	require.EqualValues(t, 0, g.Last())
	require.EqualValues(t, 1, g.Next())
	require.EqualValues(t, 2, g.Next())
	require.EqualValues(t, 2, g.Last())

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Next()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 802, g.Last())
}
