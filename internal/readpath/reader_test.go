// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package readpath

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/offlinesync/internal/cache"
	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/remote/remotetest"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

type switchConn struct{ online atomic.Bool }

func (c *switchConn) Online() bool { return c.online.Load() }

type readFixture struct {
	reader  *Reader
	backend *remotetest.Backend
	queries *cache.Queries
	tables  *cache.Tables
	conn    *switchConn
}

func newReadFixture(t *testing.T, cfg Config) *readFixture {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &readFixture{
		backend: remotetest.New(),
		queries: cache.NewQueries(s),
		tables:  cache.NewTables(s, 16, time.Minute),
		conn:    &switchConn{},
	}
	f.conn.online.Store(true)
	f.reader = New(cfg, f.backend, f.queries, f.tables)
	f.reader.SetConnectivity(f.conn)
	t.Cleanup(f.reader.Wait)

	f.backend.Seed("students",
		value.Map{"id": value.Int(1), "name": value.String("Ada"), "grade": value.String("5A")},
		value.Map{"id": value.Int(2), "name": value.String("Ben"), "grade": value.String("5B")},
		value.Map{"id": value.Int(3), "name": value.String("Cy"), "grade": value.String("5A")},
		value.Map{"id": value.Int(4), "name": value.String("Di"), "grade": value.String("5A")},
	)
	return f
}

func names(rows []value.Map) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = value.Text(r.Get("name"))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFreshReadIsCached(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	ctx := context.Background()
	q := query.From("students").Eq("grade", value.String("5A")).OrderBy("name", false)

	res := f.reader.Read(ctx, q)
	if res.FromCache {
		t.Error("expected fresh data")
	}
	if got := names(res.Rows()); !equalStrings(got, []string{"Di", "Cy", "Ada"}) {
		t.Errorf("unexpected rows %v", got)
	}

	f.reader.Wait()
	entry, ok, err := f.queries.Get(ctx, q.CacheKey())
	if err != nil || !ok || len(entry.Rows) != 3 {
		t.Fatalf("expected cached entry, ok=%v err=%v", ok, err)
	}
	if _, found, _ := f.tables.Get(ctx, "students"); found {
		t.Error("a filtered read must not replace the table snapshot")
	}
}

func TestOfflineReadServesCache(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	ctx := context.Background()
	q := query.From("students").Eq("grade", value.String("5A")).OrderBy("name", true)

	f.reader.Read(ctx, q)
	f.reader.Wait()
	calls := f.backend.CallCount(remotetest.OpSelect)

	f.conn.online.Store(false)
	res := f.reader.Read(ctx, q)
	if !res.FromCache || res.CachedAt.IsZero() {
		t.Errorf("expected cached result, got %+v", res)
	}
	if got := names(res.Rows()); !equalStrings(got, []string{"Ada", "Cy", "Di"}) {
		t.Errorf("unexpected rows %v", got)
	}
	if f.backend.CallCount(remotetest.OpSelect) != calls {
		t.Error("offline read reached the backend")
	}
}

func TestTimeoutFallsBackToCache(t *testing.T) {
	f := newReadFixture(t, Config{NetworkTimeout: 50 * time.Millisecond, SnapshotFallback: true})
	ctx := context.Background()
	q := query.From("students").Window(1, 2)

	first := f.reader.Read(ctx, q)
	f.reader.Wait()

	f.backend.SetLatency(500 * time.Millisecond)
	start := time.Now()
	res := f.reader.Read(ctx, q)
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("read waited %v for a slow backend", elapsed)
	}
	if !res.FromCache {
		t.Error("expected cache fallback after timeout")
	}
	if !equalStrings(names(res.Rows()), names(first.Rows())) {
		t.Errorf("cached window differs: %v vs %v", names(res.Rows()), names(first.Rows()))
	}
}

func TestErrorWithoutCacheReturnsEmpty(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	f.backend.SetOffline(true)

	res := f.reader.Read(context.Background(), query.From("classes"))
	list, ok := res.Data.(value.List)
	if !ok || len(list) != 0 || !res.FromCache {
		t.Errorf("expected empty cached list, got %+v", res)
	}

	single := f.reader.Read(context.Background(), query.From("classes").MaybeSingle())
	if !value.IsNull(single.Data) {
		t.Errorf("expected null for single read, got %v", single.Data)
	}
}

func TestUnfilteredReadReplacesSnapshot(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	ctx := context.Background()

	f.reader.Read(ctx, query.From("students"))
	f.reader.Wait()
	snap, found, err := f.tables.Get(ctx, "students")
	if err != nil || !found || len(snap.Rows) != 4 {
		t.Fatalf("expected snapshot with 4 rows, found=%v err=%v", found, err)
	}

	// A filtered query never run before falls back to the snapshot.
	f.backend.SetOffline(true)
	res := f.reader.Read(ctx, query.From("students").In("name", value.String("Ben"), value.String("Di")).OrderBy("id", false))
	if !res.FromCache {
		t.Error("expected cached data")
	}
	if got := names(res.Rows()); !equalStrings(got, []string{"Di", "Ben"}) {
		t.Errorf("snapshot not filtered locally: %v", got)
	}
}

func TestSnapshotFallbackDisabled(t *testing.T) {
	f := newReadFixture(t, Config{NetworkTimeout: time.Second})
	ctx := context.Background()
	f.reader.Read(ctx, query.From("students"))
	f.reader.Wait()

	f.conn.online.Store(false)
	res := f.reader.Read(ctx, query.From("students").Eq("grade", value.String("5B")))
	if len(res.Rows()) != 0 {
		t.Errorf("expected no rows without snapshot fallback, got %v", res.Rows())
	}
}

func TestSingleCollapsesIdenticallyFromEitherSource(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	ctx := context.Background()
	q := query.From("students").Eq("id", value.Int(2)).Single()

	fresh := f.reader.Read(ctx, q)
	f.reader.Wait()
	f.conn.online.Store(false)
	cached := f.reader.Read(ctx, q)

	if fresh.Row() == nil || cached.Row() == nil {
		t.Fatalf("expected a row from both sources: %v / %v", fresh.Data, cached.Data)
	}
	if !value.Equal(fresh.Data, cached.Data) {
		t.Errorf("shapes differ: %v vs %v", fresh.Data, cached.Data)
	}
}

func TestNonTimeoutErrorFallsBack(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	ctx := context.Background()
	q := query.From("students").Limit(2)
	f.reader.Read(ctx, q)
	f.reader.Wait()

	f.backend.FailNext(remotetest.OpSelect, remote.ErrRejected)
	res := f.reader.Read(ctx, q)
	if !res.FromCache || len(res.Rows()) != 2 {
		t.Errorf("expected two cached rows, got %+v", res)
	}
}

func TestInvalidQueryNeverFails(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	res := f.reader.Read(context.Background(), query.Query{})
	if !res.FromCache || len(res.Rows()) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if f.backend.CallCount(remotetest.OpSelect) != 0 {
		t.Error("invalid query reached the backend")
	}
}

func TestRefreshListeners(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	var n atomic.Int32
	stop := f.reader.OnRefresh(func() { n.Add(1) })
	f.reader.Refresh()
	stop()
	f.reader.Refresh()
	if n.Load() != 1 {
		t.Errorf("expected one refresh, got %d", n.Load())
	}
}

func TestConcurrentIdenticalReadsShareOneRequest(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	f.backend.SetLatency(100 * time.Millisecond)
	q := query.From("students").Eq("grade", value.String("5A"))

	const readers = 5
	results := make(chan Result, readers)
	for i := 0; i < readers; i++ {
		go func() { results <- f.reader.Read(context.Background(), q) }()
	}
	for i := 0; i < readers; i++ {
		res := <-results
		if res.FromCache || len(res.Rows()) != 3 {
			t.Errorf("unexpected result %+v", res)
		}
	}
	if n := f.backend.CallCount(remotetest.OpSelect); n != 1 {
		t.Errorf("expected one backend request, got %d", n)
	}
}

// stuckBackend never answers Select until released and ignores ctx.
type stuckBackend struct {
	*remotetest.Backend
	release chan struct{}
	calls   atomic.Int32
}

func (b *stuckBackend) Select(context.Context, query.Query) ([]value.Map, error) {
	b.calls.Add(1)
	<-b.release
	return nil, remote.ErrUnavailable
}

func TestTimeoutHoldsWhenBackendIgnoresContext(t *testing.T) {
	f := newReadFixture(t, Config{NetworkTimeout: 50 * time.Millisecond, SnapshotFallback: true})
	ctx := context.Background()
	f.reader.Read(ctx, query.From("students"))
	f.reader.Wait()

	stuck := &stuckBackend{Backend: f.backend, release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	f.reader.backend = stuck

	for i := 0; i < 2; i++ {
		start := time.Now()
		res := f.reader.Read(ctx, query.From("students").Eq("grade", value.String("5B")))
		if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
			t.Fatalf("read blocked %v on a backend ignoring cancellation", elapsed)
		}
		if !res.FromCache || !equalStrings(names(res.Rows()), []string{"Ben"}) {
			t.Errorf("expected snapshot fallback, got %+v", res)
		}
	}
	if n := stuck.calls.Load(); n != 2 {
		t.Errorf("expected a new request after the timed out one, got %d", n)
	}
}

func TestSnapshotFallbackProjectsColumns(t *testing.T) {
	f := newReadFixture(t, DefaultConfig())
	ctx := context.Background()
	q := query.From("students").Select("id,name").Eq("grade", value.String("5B"))

	fresh := f.reader.Read(ctx, query.From("students"))
	f.reader.Wait()
	if fresh.FromCache {
		t.Fatal("expected a fresh read")
	}

	f.conn.online.Store(false)
	res := f.reader.Read(ctx, q)
	rows := res.Rows()
	if !res.FromCache || len(rows) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if keys := rows[0].Keys(); !equalStrings(keys, []string{"id", "name"}) {
		t.Errorf("snapshot rows not projected: %v", keys)
	}
}

func TestWarmReplacesSnapshots(t *testing.T) {
	f := newReadFixture(t, Config{
		NetworkTimeout:   time.Second,
		SnapshotFallback: true,
		Warm:             WarmConfig{Tables: []string{"students", "classes"}, Timeout: time.Second},
	})
	ctx := context.Background()
	f.backend.Seed("classes", value.Map{"id": value.Int(10), "name": value.String("Math")})

	report := f.reader.Warm(ctx)
	if report.Skipped || report.Warmed["students"] != 4 || report.Warmed["classes"] != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if snap, found, _ := f.tables.Get(ctx, "classes"); !found || len(snap.Rows) != 1 {
		t.Errorf("classes snapshot missing: %+v", snap)
	}

	report = f.reader.Warm(ctx, "students", "bad name")
	if report.Warmed["students"] != 4 || report.Failed["bad name"] == "" {
		t.Errorf("unexpected report for explicit tables %+v", report)
	}

	f.conn.online.Store(false)
	calls := f.backend.CallCount(remotetest.OpSelect)
	if report := f.reader.Warm(ctx); !report.Skipped {
		t.Errorf("expected offline warm-up to be skipped, got %+v", report)
	}
	if f.backend.CallCount(remotetest.OpSelect) != calls {
		t.Error("offline warm-up reached the backend")
	}
}

func TestWarmTimeoutKeepsSnapshot(t *testing.T) {
	f := newReadFixture(t, Config{
		NetworkTimeout:   time.Second,
		SnapshotFallback: true,
		Warm:             WarmConfig{Tables: []string{"students"}, Timeout: 50 * time.Millisecond},
	})
	ctx := context.Background()
	if report := f.reader.Warm(ctx); report.Warmed["students"] != 4 {
		t.Fatalf("initial warm-up failed: %+v", report)
	}

	f.backend.Seed("students", value.Map{"id": value.Int(5), "name": value.String("Eve")})
	f.backend.SetLatency(500 * time.Millisecond)
	start := time.Now()
	report := f.reader.Warm(ctx)
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("warm-up waited %v for a slow table", elapsed)
	}
	if report.Failed["students"] == "" {
		t.Errorf("expected students to fail, got %+v", report)
	}
	if snap, _, _ := f.tables.Get(ctx, "students"); len(snap.Rows) != 4 {
		t.Errorf("snapshot changed after a failed warm-up: %d rows", len(snap.Rows))
	}
}
