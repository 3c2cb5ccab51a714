package pointsto

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/typestate"
)

func TestNode_ConcurrentAddState(t *testing.T) {
	tests := []struct {
		name    string
		workers int
	}{
		{name: "single", workers: 1},
		{name: "few", workers: 8},
		{name: "many", workers: 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &node{}
			inputs := make([]typestate.State, tt.workers)
			for i := range inputs {
				inputs[i] = typestate.Single(typestate.TypeID(i))
			}

			grew := make([]bool, tt.workers)
			seen := make([]typestate.State, tt.workers)
			var wg sync.WaitGroup
			for i := range inputs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					grew[i] = n.addState(inputs[i])
					seen[i] = n.get()
				}()
			}
			wg.Wait()

			final := n.get()
			assert.True(t, final.Equal(typestate.MergeAll(inputs...)), "final state %v", final)
			assert.Equal(t, tt.workers, final.Len())
			for i := range inputs {
				require.True(t, grew[i], "input %d did not grow the state", i)
				assert.True(t, seen[i].Includes(inputs[i]), "state %v after adding %v", seen[i], inputs[i])
				assert.True(t, final.Includes(seen[i]))
			}
			assert.False(t, n.addState(inputs[0]))
		})
	}
}
