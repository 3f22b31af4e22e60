package motd

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineSnapshotIsSyntheticWithGivenLine1(t *testing.T) {
	snap := Offline("A Bedrock Router proxy server")
	assert.True(t, snap.Synthetic)
	assert.Equal(t, "A Bedrock Router proxy server", snap.Line1)
	assert.Equal(t, 0, snap.OnlinePlayers)
}

func TestCacheGetReturnsSeedBeforeAnySet(t *testing.T) {
	seed := Offline("offline")
	c := NewCache(seed)
	assert.Same(t, seed, c.Get())
}

func TestCacheSetReplacesWhatGetReturns(t *testing.T) {
	c := NewCache(Offline("offline"))
	next := &Snapshot{Line1: "A Server", OnlinePlayers: 3, MaxPlayers: 10}
	c.Set(next)
	assert.Same(t, next, c.Get())
}

func TestCacheIsSafeForConcurrentGetAndSet(t *testing.T) {
	c := NewCache(Offline("offline"))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				c.Set(&Snapshot{Line1: "A Server", OnlinePlayers: i % 10, RefreshedAt: time.Now()})
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				require.NotNil(t, c.Get())
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestRewriteOverridesServerGUIDAndLeavesOtherFieldsUntouched(t *testing.T) {
	snap := &Snapshot{
		Edition:       "MCPE",
		Line1:         "A Server",
		Protocol:      622,
		Version:       "1.21.0",
		OnlinePlayers: 3,
		MaxPlayers:    10,
		ServerGUID:    111,
		Line2:         "Level",
		GamemodeName:  "Survival",
		GamemodeID:    1,
	}
	r := &Rewriter{ProxyGUID: 999, PortV4: 19132, PortV6: 19133}

	out := r.Rewrite(snap)

	assert.EqualValues(t, 999, out.ServerGUID)
	assert.Equal(t, "A Server", out.Line1)
	assert.Equal(t, "1.21.0", out.Version)
	assert.Equal(t, 3, out.OnlinePlayers)
	assert.Equal(t, 10, out.MaxPlayers)
	assert.Equal(t, "Survival", out.GamemodeName)
}

func TestRewriteDoesNotMutateTheCachedSnapshot(t *testing.T) {
	snap := &Snapshot{ServerGUID: 111, Line1: "A Server"}
	r := &Rewriter{ProxyGUID: 999}

	r.Rewrite(snap)

	assert.EqualValues(t, 111, snap.ServerGUID, "Rewrite must return a copy, not mutate its input")
}
