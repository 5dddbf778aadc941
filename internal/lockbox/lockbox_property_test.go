package lockbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"overlord/internal/storage"
	"overlord/pkg/types"
)

// Mutual exclusion: after any sequence of lock and unlock operations, no two
// distinct tasks hold overlapping intervals of the same resource.
func TestLockboxMutualExclusionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := storage.NewHeapMemoryTaskStorage()
		lb := New(store, nil)
		require.NoError(t, lb.SyncFromStorage(context.Background()))
		epoch := lb.Epoch()

		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			taskID := fmt.Sprintf("t%d", rapid.IntRange(0, 9).Draw(t, "task"))

			if rapid.Bool().Draw(t, "unlock") {
				lb.Unlock(taskID)
				continue
			}

			count := rapid.IntRange(1, 3).Draw(t, "intervals")
			ivs := make([]types.Interval, 0, count)
			for j := 0; j < count; j++ {
				start := int64(rapid.IntRange(0, 90).Draw(t, "start"))
				length := int64(rapid.IntRange(1, 20).Draw(t, "length"))
				ivs = append(ivs, types.Interval{
					Resource: fmt.Sprintf("ds%d", rapid.IntRange(0, 2).Draw(t, "resource")),
					Start:    start,
					End:      start + length,
				})
			}
			_, err := lb.TryLock(epoch, taskID, ivs)
			require.NoError(t, err)
		}

		held := lb.Locks()
		for i := range held {
			for j := i + 1; j < len(held); j++ {
				if held[i].TaskID == held[j].TaskID {
					continue
				}
				if held[i].Interval.Overlaps(held[j].Interval) {
					t.Fatalf("tasks %s and %s hold overlapping locks %s and %s",
						held[i].TaskID, held[j].TaskID,
						held[i].Interval, held[j].Interval)
				}
			}
		}
	})
}
