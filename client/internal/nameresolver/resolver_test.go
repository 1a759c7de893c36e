package nameresolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/internal/aliasgraph"
	"github.com/companyzero/mdlink/client/internal/reconcile"
	"github.com/companyzero/mdlink/internal/assert"
	"github.com/companyzero/mdlink/internal/testutils"
)

const testQuietPeriod = 20 * time.Millisecond

// mockQuerier is a directory that knows the names in its map. When block is
// set, the first query blocks until its context is canceled.
type mockQuerier struct {
	mtx     sync.Mutex
	names   map[string]string
	aliases map[string]string
	batches [][]string
	block   bool
	started chan struct{}
}

func (q *mockQuerier) QueryDirectory(ctx context.Context, ids []string,
	facets clientintf.DirectoryFacet) ([]clientintf.DirectoryResult, error) {

	q.mtx.Lock()
	q.batches = append(q.batches, append([]string(nil), ids...))
	block := q.block
	q.block = false
	q.mtx.Unlock()

	if block {
		q.started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := make([]clientintf.DirectoryResult, 0, len(ids))
	for _, id := range ids {
		dr := clientintf.DirectoryResult{ID: id}
		if facets.Has(clientintf.FacetContact) {
			dr.Name = q.names[id]
		}
		if facets.Has(clientintf.FacetAlias) {
			dr.Alias = q.aliases[id]
		}
		res = append(res, dr)
	}
	return res, nil
}

func (q *mockQuerier) nbCalls() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.batches)
}

// mockTarget is a model where every id is naked until the graph has a name
// for it.
type mockTarget struct {
	ids   []string
	names *aliasgraph.Graph
}

func (mt *mockTarget) NakedConversationIDs() []string {
	var res []string
	for _, id := range mt.ids {
		if aliasgraph.IsNakedLabel(mt.names.ResolveDisplayName(id), id) {
			res = append(res, id)
		}
	}
	return res
}

func (mt *mockTarget) RefreshDisplayNames(ids []string) []string {
	return ids
}

func runResolver(t testing.TB, cfg Config) (*Resolver, chan string) {
	t.Helper()
	status := make(chan string, 100)
	cfg.OnStatus = func(s string) { status <- s }
	cfg.QuietPeriod = testQuietPeriod
	cfg.Log = testutils.TestLoggerSys(t, "NAME")
	r := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, status
}

func testIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d@s.whatsapp.net", 1000+i)
	}
	return ids
}

// TestBatching asserts queries are split in batches of at most 20 ids.
func TestBatching(t *testing.T) {
	t.Parallel()

	g := aliasgraph.New(nil)
	q := &mockQuerier{}
	target := &mockTarget{ids: testIDs(45), names: g}
	r, status := runResolver(t, Config{Querier: q, Names: g, Target: target,
		BatchSize: 50})

	r.Trigger()
	assert.ChanWrittenWithVal(t, status, StatusFetching)
	assert.ChanWrittenWithVal(t, status, "")

	q.mtx.Lock()
	var sizes []int
	for _, b := range q.batches {
		sizes = append(sizes, len(b))
	}
	q.mtx.Unlock()
	assert.DeepEqual(t, sizes, []int{20, 20, 5})
}

// TestQuietPeriod asserts a burst of triggers results in a single pass.
func TestQuietPeriod(t *testing.T) {
	t.Parallel()

	g := aliasgraph.New(nil)
	q := &mockQuerier{}
	target := &mockTarget{ids: testIDs(3), names: g}
	r, status := runResolver(t, Config{Querier: q, Names: g, Target: target})

	for i := 0; i < 10; i++ {
		r.Trigger()
		time.Sleep(testQuietPeriod / 10)
	}
	assert.ChanWrittenWithVal(t, status, StatusFetching)
	assert.ChanWrittenWithVal(t, status, "")
	assert.ChanNotWritten(t, status, testQuietPeriod*5)
	assert.DeepEqual(t, q.nbCalls(), 1)
}

// TestSuperseded asserts a new trigger cancels the running pass, which
// abandons its remaining batches.
func TestSuperseded(t *testing.T) {
	t.Parallel()

	g := aliasgraph.New(nil)
	q := &mockQuerier{block: true, started: make(chan struct{}, 1)}
	target := &mockTarget{ids: testIDs(45), names: g}
	r, _ := runResolver(t, Config{Querier: q, Names: g, Target: target})

	r.Trigger()
	assert.ChanWritten(t, q.started)
	r.Trigger()

	// One canceled call, then a full second pass.
	assert.Eventually(t, func() bool { return q.nbCalls() == 4 })
	time.Sleep(testQuietPeriod * 5)
	assert.DeepEqual(t, q.nbCalls(), 4)
}

// TestResolvesConversationNames tests that directory results update the
// name cache, the alias graph and the conversation names.
func TestResolvesConversationNames(t *testing.T) {
	t.Parallel()

	const alice, bob, bobLID = "123@s.whatsapp.net", "456@s.whatsapp.net", "987@lid"

	g := aliasgraph.New(nil)
	e := reconcile.New(reconcile.Config{Aliases: g})
	e.ApplyHistorySync(&clientintf.HistorySync{
		Conversations: []clientintf.HistoryConversation{{
			ID: alice,
			Messages: []clientintf.HistorySyncMessage{{
				Key:       clientintf.MessageKey{ID: "m1"},
				Timestamp: 10,
				Message:   &clientintf.MessageContent{Conversation: "hi"},
			}},
		}, {
			ID: bobLID,
			Messages: []clientintf.HistorySyncMessage{{
				Key:       clientintf.MessageKey{ID: "m2"},
				Timestamp: 11,
				Message:   &clientintf.MessageContent{Conversation: "yo"},
			}},
		}},
	})

	q := &mockQuerier{
		names:   map[string]string{alice: "Alice", bob: "Bob"},
		aliases: map[string]string{bobLID: bob},
	}
	resolved := make(chan []string, 1)
	r, status := runResolver(t, Config{Querier: q, Names: g, Target: e,
		OnResolved: func(ids []string) { resolved <- ids }})

	r.Trigger()
	assert.ChanWrittenWithVal(t, status, StatusFetching)
	assert.ChanWrittenWithVal(t, status, "")
	ids := assert.ChanWritten(t, resolved)
	assert.Contains(t, ids, alice)
	assert.Contains(t, ids, bobLID)

	assert.DeepEqual(t, g.ResolveDisplayName(alice), "Alice")
	conv, _ := e.Conversation(alice)
	assert.DeepEqual(t, conv.Name, "Alice")

	// The lid conversation has no directory name but is resolved through
	// the alias reported by the directory once the other side is named.
	alias, _ := g.Alias(bobLID)
	assert.DeepEqual(t, alias, bob)
	g.SetName(bob, "Bob")
	e.RefreshDisplayNames([]string{bobLID})
	conv, _ = e.Conversation(bobLID)
	assert.DeepEqual(t, conv.Name, "Bob")
}
