package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/blobs"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type stubProber struct {
	dead map[string]bool
}

func (p *stubProber) Probe(_ context.Context, url string) ProbeResult {
	if p.dead[url] {
		return ProbeResult{Alive: false, StatusCode: 404}
	}
	return ProbeResult{Alive: true, StatusCode: 200}
}

type sweepFixture struct {
	db       *gorm.DB
	metadata *metadata.Store
	reports  *reports.Store
	clock    *steppingClock
}

func newSweepFixture(t *testing.T) sweepFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:liveness_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&reports.ReportRecord{}, &blobs.Blob{}, &metadata.URLMetadata{}, &metadata.SweepCheckpoint{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{now: time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)}
	metadataStore, err := metadata.NewStore(metadata.StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct metadata store: %v", err)
	}
	blobStore, err := blobs.NewGormStore(blobs.GormStoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	reportStore, err := reports.NewStore(reports.StoreConfig{
		Database: db,
		Blobs:    blobStore,
		Metadata: metadataStore,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct report store: %v", err)
	}
	return sweepFixture{db: db, metadata: metadataStore, reports: reportStore, clock: clock}
}

func (f sweepFixture) audit(t *testing.T, url string) {
	t.Helper()
	request := reports.FinalizeRequest{
		URL:        url,
		Categories: json.RawMessage(`{"performance":{"title":"Performance","score":0.8}}`),
	}
	if _, err := f.reports.FinalizeReport(context.Background(), request); err != nil {
		t.Fatalf("finalize %s failed: %v", url, err)
	}
}

func (f sweepFixture) lastVerified(t *testing.T, url string) *time.Time {
	t.Helper()
	verified, err := f.metadata.ListVerifiedSince(context.Background(), metadata.SweepSentinel, 100)
	if err != nil {
		t.Fatalf("list verified failed: %v", err)
	}
	for _, entry := range verified {
		if entry.URL == url {
			value := entry.LastVerified
			return &value
		}
	}
	return nil
}

func TestRemoveNextSetOfInvalidURLs(t *testing.T) {
	fixture := newSweepFixture(t)
	ctx := context.Background()

	urls := []string{"https://a.example", "https://dead.example", "https://c.example"}
	for _, url := range urls {
		fixture.audit(t, url)
		fixture.clock.Advance(time.Minute)
	}
	lastBefore := *fixture.lastVerified(t, "https://c.example")
	fixture.clock.Advance(time.Hour)

	sweeper, err := NewSweeper(SweeperConfig{
		Metadata: fixture.metadata,
		Remover:  fixture.reports,
		Prober:   &stubProber{dead: map[string]bool{"https://dead.example": true}},
		Clock:    fixture.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct sweeper: %v", err)
	}

	result, err := sweeper.RemoveNextSetOfInvalidURLs(ctx, 10)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.NumURLs != 3 || result.NumRemoved != 1 {
		t.Fatalf("expected 3 urls with 1 removal, got %#v", result)
	}

	remaining, err := fixture.reports.RecentReports(ctx, "https://dead.example", 10)
	if err != nil {
		t.Fatalf("recent reports failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected dead url reports removed")
	}
	if fixture.lastVerified(t, "https://dead.example") != nil {
		t.Fatalf("expected dead url metadata removed")
	}
	for _, url := range []string{"https://a.example", "https://c.example"} {
		verified := fixture.lastVerified(t, url)
		if verified == nil || !verified.Equal(fixture.clock.Now()) {
			t.Fatalf("expected %s to be re-verified at %v, got %v", url, fixture.clock.Now(), verified)
		}
	}

	checkpoint, err := fixture.metadata.GetSweepCheckpoint(ctx)
	if err != nil {
		t.Fatalf("get checkpoint failed: %v", err)
	}
	if !checkpoint.Equal(lastBefore) {
		t.Fatalf("expected checkpoint %v, got %v", lastBefore, checkpoint)
	}
}

func TestRemoveNextSetOfInvalidURLsResetsOnEmptyBatch(t *testing.T) {
	fixture := newSweepFixture(t)
	ctx := context.Background()

	fixture.audit(t, "https://a.example")
	if err := fixture.metadata.SetSweepCheckpoint(ctx, fixture.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("set checkpoint failed: %v", err)
	}

	sweeper, err := NewSweeper(SweeperConfig{Metadata: fixture.metadata, Remover: fixture.reports, Prober: &stubProber{}})
	if err != nil {
		t.Fatalf("failed to construct sweeper: %v", err)
	}
	result, err := sweeper.RemoveNextSetOfInvalidURLs(ctx, 10)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.NumURLs != 0 || result.NumRemoved != 0 {
		t.Fatalf("expected empty result, got %#v", result)
	}
	checkpoint, err := fixture.metadata.GetSweepCheckpoint(ctx)
	if err != nil {
		t.Fatalf("get checkpoint failed: %v", err)
	}
	if !checkpoint.Equal(metadata.SweepSentinel) {
		t.Fatalf("expected checkpoint reset to sentinel, got %v", checkpoint)
	}
}

type recordingMetadata struct {
	mu         sync.Mutex
	candidates []metadata.VerifiedURL
	checkpoint time.Time
	touched    []string
	stale      []string
	touchErr   error
}

func (m *recordingMetadata) GetSweepCheckpoint(context.Context) (time.Time, error) {
	return m.checkpoint, nil
}

func (m *recordingMetadata) SetSweepCheckpoint(_ context.Context, mark time.Time) error {
	m.checkpoint = mark
	return nil
}

func (m *recordingMetadata) ListVerifiedSince(context.Context, time.Time, int) ([]metadata.VerifiedURL, error) {
	return m.candidates, nil
}

func (m *recordingMetadata) TouchLastVerified(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, url)
	return m.touchErr
}

func (m *recordingMetadata) GetURLsLastViewedBefore(context.Context, time.Time) ([]string, error) {
	return m.stale, nil
}

type failingRemover struct {
	mu      sync.Mutex
	fail    map[string]bool
	removed []string
}

func (r *failingRemover) RemoveURL(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[url] {
		return errors.New("delete failed")
	}
	r.removed = append(r.removed, url)
	return nil
}

type slowProber struct {
	inFlight int32
	peak     int32
}

func (p *slowProber) Probe(context.Context, string) ProbeResult {
	current := atomic.AddInt32(&p.inFlight, 1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if current <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, current) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&p.inFlight, -1)
	return ProbeResult{Alive: false, StatusCode: 500}
}

func TestRemoveNextSetOfInvalidURLsCapsConcurrencyAndToleratesFailures(t *testing.T) {
	base := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	store := &recordingMetadata{checkpoint: metadata.SweepSentinel}
	for index := 0; index < 6; index++ {
		store.candidates = append(store.candidates, metadata.VerifiedURL{
			URL:          fmt.Sprintf("https://%d.example", index),
			LastVerified: base.Add(time.Duration(index) * time.Minute),
		})
	}
	remover := &failingRemover{fail: map[string]bool{"https://3.example": true}}
	prober := &slowProber{}

	sweeper, err := NewSweeper(SweeperConfig{Metadata: store, Remover: remover, Prober: prober, Concurrency: 2})
	if err != nil {
		t.Fatalf("failed to construct sweeper: %v", err)
	}
	result, err := sweeper.RemoveNextSetOfInvalidURLs(context.Background(), 6)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.NumURLs != 6 || result.NumRemoved != 5 {
		t.Fatalf("expected 6 urls with 5 removals, got %#v", result)
	}
	if peak := atomic.LoadInt32(&prober.peak); peak > 2 {
		t.Fatalf("expected at most 2 probes in flight, saw %d", peak)
	}
	if !store.checkpoint.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("expected checkpoint at last candidate, got %v", store.checkpoint)
	}
	if len(store.touched) != 0 {
		t.Fatalf("expected no touches for dead urls, got %v", store.touched)
	}
}

func TestRemoveStaleURLs(t *testing.T) {
	fixture := newSweepFixture(t)
	ctx := context.Background()

	fixture.audit(t, "https://old.example")
	fixture.clock.Advance(59 * 24 * time.Hour)
	fixture.audit(t, "https://recent.example")
	fixture.clock.Advance(2 * 24 * time.Hour)

	sweeper, err := NewSweeper(SweeperConfig{
		Metadata: fixture.metadata,
		Remover:  fixture.reports,
		Prober:   &stubProber{},
		Clock:    fixture.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct sweeper: %v", err)
	}
	result, err := sweeper.RemoveStaleURLs(ctx, 0)
	if err != nil {
		t.Fatalf("stale sweep failed: %v", err)
	}
	if result.NumURLs != 1 || result.NumRemoved != 1 {
		t.Fatalf("expected one stale removal, got %#v", result)
	}
	if fixture.lastVerified(t, "https://old.example") != nil {
		t.Fatalf("expected old url removed")
	}
	if fixture.lastVerified(t, "https://recent.example") == nil {
		t.Fatalf("expected recent url kept")
	}
}

func TestNewSweeperValidatesDependencies(t *testing.T) {
	if _, err := NewSweeper(SweeperConfig{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}
