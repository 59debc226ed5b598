package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/blobs"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	return c.now
}

func (c *steppingClock) Advance(step time.Duration) {
	c.now = c.now.Add(step)
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("report-%06d", p.next), nil
}

type storeFixture struct {
	store    *Store
	db       *gorm.DB
	blobs    *blobs.GormStore
	metadata *metadata.Store
	clock    *steppingClock
}

func newStoreFixture(t *testing.T) storeFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:reports_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ReportRecord{}, &blobs.Blob{}, &metadata.URLMetadata{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{now: time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)}
	blobStore, err := blobs.NewGormStore(blobs.GormStoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	metadataStore, err := metadata.NewStore(metadata.StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct metadata store: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Blobs:      blobStore,
		Metadata:   metadataStore,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct report store: %v", err)
	}
	return storeFixture{store: store, db: db, blobs: blobStore, metadata: metadataStore, clock: clock}
}

func lighthouseResult(performance float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"lighthouseVersion": "12.0.0",
		"i18n": {"rendererFormattedStrings": {"passedAuditsGroupTitle": "Passed audits"}},
		"categories": {
			"performance": {"id": "performance", "title": "Performance", "score": %v, "auditRefs": [{"id": "first-contentful-paint", "weight": 10}]},
			"seo": {"id": "seo", "title": "SEO", "score": null, "auditRefs": []}
		}
	}`, performance))
}

func performanceScore(t *testing.T, report Report) float64 {
	t.Helper()
	for _, category := range report.Categories {
		if category.ID == "performance" {
			if category.Score == nil {
				t.Fatalf("performance score missing")
			}
			return *category.Score
		}
	}
	t.Fatalf("performance category missing from %#v", report.Categories)
	return 0
}

func TestNewStoreValidatesDependencies(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}

func TestFinalizeReportSameDayReplaces(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	url := "https://example.com/"

	if _, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.5)}); err != nil {
		t.Fatalf("first finalize failed: %v", err)
	}
	fixture.clock.Advance(3 * time.Hour)
	second, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.9)})
	if err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}
	if second.ID != "report-000001" {
		t.Fatalf("expected the existing report to be replaced, got id %s", second.ID)
	}

	reports, err := fixture.store.RecentReports(ctx, url, 10)
	if err != nil {
		t.Fatalf("recent reports failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected a single report for the day, got %d", len(reports))
	}
	if score := performanceScore(t, reports[0]); score != 0.9 {
		t.Fatalf("expected second payload's score 0.9, got %v", score)
	}
	if !reports[0].AuditedOn.Equal(fixture.clock.Now()) {
		t.Fatalf("expected audited on to move to %v, got %v", fixture.clock.Now(), reports[0].AuditedOn)
	}
}

func TestFinalizeReportAcrossDaysAppends(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	url := "https://example.com/"

	if _, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.4)}); err != nil {
		t.Fatalf("first finalize failed: %v", err)
	}
	fixture.clock.Advance(24 * time.Hour)
	if _, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.6)}); err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}

	reports, err := fixture.store.RecentReports(ctx, url, 10)
	if err != nil {
		t.Fatalf("recent reports failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected two reports, got %d", len(reports))
	}
	if performanceScore(t, reports[0]) != 0.4 || performanceScore(t, reports[1]) != 0.6 {
		t.Fatalf("expected oldest first, got %#v", reports)
	}
	if !reports[0].AuditedOn.Before(reports[1].AuditedOn) {
		t.Fatalf("expected chronological order")
	}
}

func TestFinalizeReportSlimsAndStripsLocalisation(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	url := "https://example.com/slim"

	report, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.75)})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if len(report.Categories) != 2 || report.Categories[0].ID != "performance" || report.Categories[1].ID != "seo" {
		t.Fatalf("expected categories in document order, got %#v", report.Categories)
	}
	if report.Categories[1].Score != nil {
		t.Fatalf("expected null seo score to stay null")
	}

	var stored ReportRecord
	if err := fixture.db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to load report row: %v", err)
	}
	if strings.Contains(string(stored.CategoriesJSON), "auditRefs") {
		t.Fatalf("expected audit references to be dropped: %s", stored.CategoriesJSON)
	}

	blob, err := fixture.blobs.Get(ctx, FullReportName(url))
	if err != nil {
		t.Fatalf("expected full report blob: %v", err)
	}
	if strings.Contains(string(blob), "i18n") {
		t.Fatalf("expected i18n to be removed from the full report")
	}
	if !strings.Contains(string(blob), "lighthouseVersion") {
		t.Fatalf("expected the rest of the full report to be kept")
	}

	row := metadata.URLMetadata{}
	if err := fixture.db.Where("url_id = ?", "https:____example.com__slim").Take(&row).Error; err != nil {
		t.Fatalf("expected metadata row: %v", err)
	}
	if row.LastViewedMillis == nil || row.LastVerifiedMillis == nil {
		t.Fatalf("expected both timestamps to be touched, got %#v", row)
	}
}

func TestFinalizeReportCruxClearedBySameDayRunWithoutFieldData(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	url := "https://example.com/"
	crux := CruxData{"loadingExperience": json.RawMessage(`{"overall_category":"FAST"}`)}

	first, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.5), Crux: crux})
	if err != nil {
		t.Fatalf("first finalize failed: %v", err)
	}
	if _, ok := first.Crux["loadingExperience"]; !ok {
		t.Fatalf("expected crux on first report")
	}

	fixture.clock.Advance(time.Hour)
	if _, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.6)}); err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}
	reports, err := fixture.store.RecentReports(ctx, url, 1)
	if err != nil {
		t.Fatalf("recent reports failed: %v", err)
	}
	if len(reports) != 1 || reports[0].Crux != nil {
		t.Fatalf("expected crux to be cleared, got %#v", reports)
	}
}

func TestFinalizeReportRejectsInvalidInput(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()

	testCases := []struct {
		name    string
		request FinalizeRequest
	}{
		{name: "empty url", request: FinalizeRequest{URL: "  ", FullReport: lighthouseResult(0.5)}},
		{name: "no categories", request: FinalizeRequest{URL: "https://example.com", FullReport: json.RawMessage(`{"lighthouseVersion":"12"}`)}},
		{name: "full report not an object", request: FinalizeRequest{URL: "https://example.com", FullReport: json.RawMessage(`[1,2]`)}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := fixture.store.FinalizeReport(ctx, testCase.request); err == nil {
				t.Fatalf("expected finalize to fail")
			}
		})
	}

	var count int64
	if err := fixture.db.Model(&ReportRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no reports to be written, got %d", count)
	}
}

func TestGetReportsReturnsChronologicalWindow(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	url := "https://example.com/"

	for _, score := range []float64{0.3, 0.5, 0.7} {
		if _, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(score)}); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
		fixture.clock.Advance(24 * time.Hour)
	}

	reports, err := fixture.store.GetReports(ctx, url, 5)
	if err != nil {
		t.Fatalf("get reports failed: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for index, want := range []float64{0.3, 0.5, 0.7} {
		if got := performanceScore(t, reports[index]); got != want {
			t.Fatalf("report %d: expected score %v, got %v", index, want, got)
		}
	}
	if reports[0].FullReport != nil || reports[1].FullReport != nil {
		t.Fatalf("expected full report only on the newest report")
	}
	if !strings.Contains(string(reports[2].FullReport), `"score":0.7`) {
		t.Fatalf("expected newest full report on last element, got %s", reports[2].FullReport)
	}

	windowed, err := fixture.store.GetReports(ctx, url, 2)
	if err != nil {
		t.Fatalf("get reports failed: %v", err)
	}
	if len(windowed) != 2 || performanceScore(t, windowed[0]) != 0.5 {
		t.Fatalf("expected the two most recent reports, got %#v", windowed)
	}
}

func TestGetReportsForUnknownURLLeavesMetadataUntouched(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()

	reports, err := fixture.store.GetReports(ctx, "https://unknown.example", 5)
	if err != nil {
		t.Fatalf("get reports failed: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no reports, got %d", len(reports))
	}
	var count int64
	if err := fixture.db.Model(&metadata.URLMetadata{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no metadata rows, got %d", count)
	}
}

func TestGetFullReportFallsBackToAlternateSpellings(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()

	testCases := []struct {
		name      string
		storedAs  string
		requested string
	}{
		{name: "percent encoded", storedAs: "https://example.com/a%20b", requested: "https://example.com/a b"},
		{name: "plus for whitespace", storedAs: "https://example.com/?q=a+b", requested: "https://example.com/?q=a b"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload := []byte(`{"requestedUrl":"` + testCase.storedAs + `"}`)
			if err := fixture.blobs.Put(ctx, FullReportName(testCase.storedAs), payload); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			data, found, err := fixture.store.GetFullReport(ctx, testCase.requested)
			if err != nil {
				t.Fatalf("get full report failed: %v", err)
			}
			if !found || string(data) != string(payload) {
				t.Fatalf("expected fallback blob, found=%v data=%s", found, data)
			}
		})
	}

	if _, found, err := fixture.store.GetFullReport(ctx, "https://missing.example"); err != nil || found {
		t.Fatalf("expected missing report, found=%v err=%v", found, err)
	}
}

func TestDeleteAllReportsInBatches(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	url := "https://bulk.example/"
	urlID := "https:____bulk.example__"

	records := make([]ReportRecord, 0, 1200)
	for index := 0; index < 1200; index++ {
		records = append(records, ReportRecord{
			ReportID:        fmt.Sprintf("bulk-%05d", index),
			URLID:           urlID,
			AuditedOnMillis: int64(index) * int64(24*time.Hour/time.Millisecond),
			CategoriesJSON:  []byte(`[{"id":"performance","title":"Performance","score":0.5}]`),
		})
	}
	if err := fixture.db.CreateInBatches(records, 100).Error; err != nil {
		t.Fatalf("failed to seed reports: %v", err)
	}
	other := ReportRecord{ReportID: "other", URLID: "https:____other.example", CategoriesJSON: []byte(`[]`)}
	if err := fixture.db.Create(&other).Error; err != nil {
		t.Fatalf("failed to seed unrelated report: %v", err)
	}

	summary, err := fixture.store.DeleteAllReports(ctx, url)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if summary.Deleted != 1200 || summary.Batches != 3 {
		t.Fatalf("expected 1200 deletions over 3 batches, got %#v", summary)
	}

	var remaining int64
	if err := fixture.db.Model(&ReportRecord{}).Where("url_id = ?", urlID).Count(&remaining).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected no reports left, got %d", remaining)
	}
	if err := fixture.db.Where("report_id = ?", "other").Take(&ReportRecord{}).Error; err != nil {
		t.Fatalf("expected unrelated report to survive: %v", err)
	}

	again, err := fixture.store.DeleteAllReports(ctx, url)
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if again.Deleted != 0 || again.Batches != 0 {
		t.Fatalf("expected no-op on empty url, got %#v", again)
	}
}

func TestRemoveURLDeletesEverything(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	url := "https://example.com/gone"

	if _, err := fixture.store.FinalizeReport(ctx, FinalizeRequest{URL: url, FullReport: lighthouseResult(0.5)}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := fixture.store.RemoveURL(ctx, url); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	reports, err := fixture.store.RecentReports(ctx, url, 10)
	if err != nil {
		t.Fatalf("recent reports failed: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected reports to be removed")
	}
	exists, err := fixture.blobs.Exists(ctx, FullReportName(url))
	if err != nil || exists {
		t.Fatalf("expected blob removed, exists=%v err=%v", exists, err)
	}
	var count int64
	if err := fixture.db.Model(&metadata.URLMetadata{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected metadata removed, got %d rows", count)
	}
}
