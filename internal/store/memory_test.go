// ABOUTME: Tests specific to MemStore: index integrity under random and concurrent operation sequences
// ABOUTME: Runs CheckIntegrity after every step to catch dangling or partial index entries

package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_RandomSequencesKeepIndexesConsistent(t *testing.T) {
	ctx := context.Background()

	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			s := NewMemStore()

			// Small id spaces force plenty of collisions.
			id := func(prefix string) []byte {
				return []byte(fmt.Sprintf("%s-%d", prefix, rng.IntN(8)))
			}

			for step := 0; step < 300; step++ {
				op := rng.IntN(8)
				switch op {
				case 0, 1:
					rec := &QueueRec{
						RecipientID:  id("r"),
						RecipientKey: []byte("rk"),
						SenderID:     id("s"),
					}
					if rng.IntN(3) == 0 {
						rec.Notifier = &NtfCreds{NotifierID: id("n"), NotifierKey: []byte("nk")}
					}
					_, err := s.AddQueue(ctx, rec)
					if err != nil {
						require.ErrorIs(t, err, ErrDuplicate)
					}
				default:
					q, err := s.GetQueue(ctx, Role(rng.IntN(3)), id([]string{"r", "s", "n"}[rng.IntN(3)]))
					if err != nil {
						require.ErrorIs(t, err, ErrAuth)
						break
					}
					switch op {
					case 2:
						_, err = s.SecureQueue(ctx, q, id("k"))
						if err != nil {
							require.ErrorIs(t, err, ErrAuth)
						}
					case 3:
						_, err = s.AddQueueNotifier(ctx, q, &NtfCreds{NotifierID: id("n"), NotifierKey: []byte("nk")})
						if err != nil {
							require.ErrorIs(t, err, ErrDuplicate)
						}
					case 4:
						_, err = s.DeleteQueueNotifier(ctx, q)
						require.NoError(t, err)
					case 5:
						_, err = s.SuspendQueue(ctx, q)
						require.NoError(t, err)
					case 6:
						_, _, err = s.UpdateQueueTime(ctx, q, time.Unix(int64(rng.IntN(1000)), 0))
						require.NoError(t, err)
					case 7:
						_, _, err = s.DeleteQueue(ctx, q)
						require.NoError(t, err)
						_, _, err = s.DeleteQueue(ctx, q)
						require.ErrorIs(t, err, ErrAuth)
					}
				}
				require.NoError(t, s.CheckIntegrity(), "step %d op %d", step, op)
			}
		})
	}
}

func TestMemStore_ConcurrentAddSameIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testQueue(i)
			rec.RecipientID = []byte("contended")
			_, err := s.AddQueue(ctx, rec)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrDuplicate)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success, "exactly one AddQueue wins")
	require.NoError(t, s.CheckIntegrity())
}

func TestMemStore_ConcurrentMixedOperations(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 100 {
				rec := testQueue(w*1000 + i)
				q, err := s.AddQueue(ctx, rec)
				if !assert.NoError(t, err) {
					return
				}
				_, err = s.AddQueueNotifier(ctx, q, &NtfCreds{NotifierID: []byte(fmt.Sprintf("n-%d-%d", w, i))})
				assert.NoError(t, err)

				// Readers on any index see either the whole queue or nothing.
				got, err := s.GetQueue(ctx, RoleSender, rec.SenderID)
				if assert.NoError(t, err) {
					assert.Equal(t, rec.RecipientID, got.RecipientID())
				}
				if i%2 == 0 {
					_, _, err = s.DeleteQueue(ctx, q)
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, s.CheckIntegrity())
	all, err := s.Queues(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 8*50)
}

func TestMemStore_HandleFromAnotherStoreRejected(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemStore(), NewMemStore()

	q, err := a.AddQueue(ctx, testQueue(1))
	require.NoError(t, err)
	_, err = b.AddQueue(ctx, testQueue(1))
	require.NoError(t, err)

	_, err = b.SuspendQueue(ctx, q)
	assert.ErrorIs(t, err, ErrAuth)
}
