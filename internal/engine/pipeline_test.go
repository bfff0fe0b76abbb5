package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/repo"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

type fakeSources struct {
	mu       sync.Mutex
	products []models.Product
	batches  map[string]models.SourceBatch
	errs     map[string]error
	listErr  error
}

func (f *fakeSources) ListProducts(context.Context) ([]models.Product, error) {
	return f.products, f.listErr
}

func (f *fakeSources) FetchBatch(_ context.Context, productID string) (models.SourceBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[productID]; err != nil {
		return models.SourceBatch{}, err
	}
	b, ok := f.batches[productID]
	if !ok {
		return models.SourceBatch{}, utils.KindError(utils.ErrScopeNotFound, "fake.FetchBatch", errors.New(productID))
	}
	return b, nil
}

func (f *fakeSources) setBatch(id string, b models.SourceBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[id] = b
}

var pipelineNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func checkoutBatch(annotations ...string) models.SourceBatch {
	return models.SourceBatch{
		ProductID: "checkout",
		Issues: []models.Issue{{
			ID:          "I-1",
			Title:       "Payment timeout on checkout",
			Level:       models.LevelError,
			Status:      models.IssueUnresolved,
			EventCount:  12,
			FirstSeen:   pipelineNow.Add(-48 * time.Hour),
			LastSeen:    pipelineNow,
			Annotations: annotations,
		}},
		Tickets: []models.Ticket{{
			Key:       "PROJ-44",
			Summary:   "PROJ-44: checkout payment timing out",
			Status:    models.TicketOpen,
			CreatedAt: pipelineNow.Add(-24 * time.Hour),
		}},
		Quality: []models.QualityMetric{{Project: "checkout-api", GatePassed: true, Coverage: 80, LinesOfCode: 20000}},
		Infra: []models.InfraMetric{
			{Resource: "db-1", Name: "cpu", Value: 40, MeasuredAt: pipelineNow},
		},
		LastModified: map[string]time.Time{models.SourceErrors: pipelineNow, models.SourceTickets: pipelineNow},
	}
}

func newTestPipeline(t *testing.T, sources SourceClient, store ResultStore) *Pipeline {
	t.Helper()
	return NewPipeline(nil, sources, store, nil, newTestScorer(t, DefaultScoringConfig()), nil, utils.FixedClock(pipelineNow), 2)
}

func decodePayload(t *testing.T, out models.GenerationOutput) DashboardPayload {
	t.Helper()
	var payload DashboardPayload
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func TestPipelineConfidenceChangeRecreatesLink(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	created := pipelineNow.Add(-24 * time.Hour)
	stale := models.Link{IssueID: "I-1", TicketKey: "PROJ-44", Method: models.MethodFuzzy, Confidence: 0.5, CreatedAt: created}
	if err := store.SaveLinks(ctx, "checkout", []models.Link{stale}, nil); err != nil {
		t.Fatalf("seed links: %v", err)
	}

	sources := &fakeSources{batches: map[string]models.SourceBatch{"checkout": checkoutBatch()}}
	p := newTestPipeline(t, sources, store)
	if _, err := p.Generate(ctx, models.ScopeKey{Kind: models.KindProduct, Scope: "checkout"}); err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	active, _ := store.ActiveLinks(ctx, "checkout")
	if len(active) != 1 || active[0].Confidence == 0.5 {
		t.Fatalf("expected one recomputed link, got %+v", active)
	}
	if !active[0].CreatedAt.Equal(pipelineNow) {
		t.Fatalf("recreated link should carry the run time, got %s", active[0].CreatedAt)
	}
}

func TestPipelineProductFuzzyThenExplicit(t *testing.T) {
	sources := &fakeSources{batches: map[string]models.SourceBatch{"checkout": checkoutBatch()}}
	store := repo.NewMemoryStore()
	p := newTestPipeline(t, sources, store)
	key := models.ScopeKey{Kind: models.KindProduct, Scope: "checkout"}

	out, err := p.Generate(context.Background(), key)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if want := checkoutBatch().RecordCount(); out.SourceRecordCount != want {
		t.Fatalf("expected %d source records, got %d", want, out.SourceRecordCount)
	}
	payload := decodePayload(t, out)
	if len(payload.Products) != 1 || len(payload.Products[0].Links) != 1 {
		t.Fatalf("expected one product with one link, got %+v", payload.Products)
	}
	link := payload.Products[0].Links[0]
	if link.Method != models.MethodFuzzy || link.Confidence < 0.8 || link.Confidence > 0.95 {
		t.Fatalf("unexpected fuzzy link: %+v", link)
	}

	// Unchanged input keeps the same single active link.
	if _, err := p.Generate(context.Background(), key); err != nil {
		t.Fatalf("second Generate returned error: %v", err)
	}
	active, _ := store.ActiveLinks(context.Background(), "checkout")
	if len(active) != 1 || active[0].Method != models.MethodFuzzy {
		t.Fatalf("expected unchanged fuzzy link, got %+v", active)
	}

	sources.setBatch("checkout", checkoutBatch("PROJ-44"))
	out, err = p.Generate(context.Background(), key)
	if err != nil {
		t.Fatalf("third Generate returned error: %v", err)
	}
	payload = decodePayload(t, out)
	if got := payload.Products[0].Links; len(got) != 1 || got[0].Method != models.MethodExplicit || got[0].Confidence != 1 {
		t.Fatalf("expected explicit link, got %+v", got)
	}
	active, _ = store.ActiveLinks(context.Background(), "checkout")
	if len(active) != 1 || active[0].Method != models.MethodExplicit {
		t.Fatalf("expected fuzzy link superseded in store, got %+v", active)
	}

	if _, err := store.LatestScore(context.Background(), "checkout"); err != nil {
		t.Fatalf("expected persisted score: %v", err)
	}
}

func TestPipelineExecutiveIsolatesFailures(t *testing.T) {
	sources := &fakeSources{
		products: []models.Product{
			{ID: "checkout", Active: true},
			{ID: "search", Active: true},
			{ID: "legacy", Active: false},
		},
		batches: map[string]models.SourceBatch{"checkout": checkoutBatch()},
		errs:    map[string]error{"search": utils.KindError(utils.ErrSourceUnavailable, "fake", errors.New("timeout"))},
	}
	p := newTestPipeline(t, sources, repo.NewMemoryStore())

	out, err := p.Generate(context.Background(), models.ScopeKey{Kind: models.KindExecutive, Scope: AllScope})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	payload := decodePayload(t, out)
	if len(payload.Products) != 1 || payload.Products[0].ProductID != "checkout" {
		t.Fatalf("expected checkout report only, got %+v", payload.Products)
	}
	if len(payload.Failures) != 1 || payload.Failures[0].ProductID != "search" {
		t.Fatalf("expected search failure, got %+v", payload.Failures)
	}
	if payload.Summary == nil || payload.Summary.ProductCount != 1 || payload.Summary.TotalLinks != 1 {
		t.Fatalf("unexpected summary: %+v", payload.Summary)
	}
	if payload.Summary.MeanScore != round1(payload.Products[0].Score.Overall) {
		t.Fatalf("mean %.1f does not match single product %.2f", payload.Summary.MeanScore, payload.Products[0].Score.Overall)
	}
}

func TestPipelineAllProductsFailing(t *testing.T) {
	sources := &fakeSources{
		products: []models.Product{{ID: "search", Active: true}},
		batches:  map[string]models.SourceBatch{},
		errs:     map[string]error{"search": utils.KindError(utils.ErrSourceUnavailable, "fake", errors.New("timeout"))},
	}
	p := newTestPipeline(t, sources, repo.NewMemoryStore())

	_, err := p.Generate(context.Background(), models.ScopeKey{Kind: models.KindExecutive, Scope: AllScope})
	if !errors.Is(err, utils.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
}

func TestPipelineEnvironmentGroupsInfra(t *testing.T) {
	sources := &fakeSources{
		products: []models.Product{
			{ID: "checkout", Environment: "prod", Active: true},
			{ID: "search", Environment: "staging", Active: true},
		},
		batches: map[string]models.SourceBatch{"checkout": checkoutBatch()},
	}
	p := newTestPipeline(t, sources, repo.NewMemoryStore())

	out, err := p.Generate(context.Background(), models.ScopeKey{Kind: models.KindEnvironment, Scope: "prod"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	payload := decodePayload(t, out)
	if len(payload.Infra["db-1"]) != 1 {
		t.Fatalf("expected db-1 infra group, got %+v", payload.Infra)
	}
	if len(payload.Failures) != 0 {
		t.Fatalf("staging product must not be fetched, got failures %+v", payload.Failures)
	}

	_, err = p.Generate(context.Background(), models.ScopeKey{Kind: models.KindEnvironment, Scope: "dev"})
	if !errors.Is(err, utils.ErrScopeNotFound) {
		t.Fatalf("expected scope not found for empty environment, got %v", err)
	}
}

func TestPipelineCancelled(t *testing.T) {
	sources := &fakeSources{batches: map[string]models.SourceBatch{"checkout": checkoutBatch()}}
	p := newTestPipeline(t, sources, repo.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Generate(ctx, models.ScopeKey{Kind: models.KindProduct, Scope: "checkout"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestPipelineExecutiveMinesHotspots(t *testing.T) {
	payments := checkoutBatch()
	payments.ProductID = "payments"
	payments.Issues[0].ID = "I-9"
	sources := &fakeSources{
		products: []models.Product{{ID: "checkout", Active: true}, {ID: "payments", Active: true}},
		batches:  map[string]models.SourceBatch{"checkout": checkoutBatch(), "payments": payments},
	}
	p := newTestPipeline(t, sources, repo.NewMemoryStore())

	out, err := p.Generate(context.Background(), models.ScopeKey{Kind: models.KindExecutive, Scope: AllScope})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	payload := decodePayload(t, out)
	if payload.Summary == nil || len(payload.Summary.Hotspots) != 1 {
		t.Fatalf("expected one hotspot, got %+v", payload.Summary)
	}
	h := payload.Summary.Hotspots[0]
	if h.Issues != 2 || len(h.Products) != 2 || h.Prevalence != 1 {
		t.Fatalf("unexpected hotspot %+v", h)
	}
}
