package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-reliability/internal/extractors"
	"github.com/miradorstack/mirador-reliability/internal/metrics"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/patterns"
	"github.com/miradorstack/mirador-reliability/internal/repo"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

var tracer = otel.Tracer("github.com/miradorstack/mirador-reliability/internal/engine")

// SourceClient is the pull side of the source adapters.
type SourceClient interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	FetchBatch(ctx context.Context, productID string) (models.SourceBatch, error)
}

// ResultStore persists correlation and scoring runs.
type ResultStore interface {
	ActiveLinks(ctx context.Context, productID string) ([]models.Link, error)
	SaveLinks(ctx context.Context, productID string, active, retired []models.Link) error
	LatestScore(ctx context.Context, productID string) (models.ReliabilityScore, error)
	SaveScore(ctx context.Context, score models.ReliabilityScore) error
}

// ProductReport is the per-product section of a dashboard payload.
type ProductReport struct {
	ProductID string                    `json:"product_id"`
	Score     models.ReliabilityScore   `json:"score"`
	Links     []models.Link             `json:"links,omitempty"`
	Counts    map[string]int            `json:"counts"`
	Skipped   int                       `json:"skipped_records,omitempty"`
	Anomalies []extractors.InfraAnomaly `json:"anomalies,omitempty"`
}

// ProductFailure records a product that could not be processed in a batch.
type ProductFailure struct {
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
	err       error
}

// ExecutiveSummary aggregates scores across products.
type ExecutiveSummary struct {
	ProductCount int                   `json:"product_count"`
	MeanScore    float64               `json:"mean_score"`
	HealthBands  map[models.Health]int `json:"health_bands"`
	TotalIssues  int                   `json:"total_issues"`
	TotalLinks   int                   `json:"total_links"`
	Weakest      []string              `json:"weakest"`
	Hotspots     []patterns.Hotspot    `json:"hotspots,omitempty"`
}

// DashboardPayload is the serialised snapshot body.
type DashboardPayload struct {
	Kind        models.DashboardKind            `json:"kind"`
	Scope       string                          `json:"scope"`
	GeneratedAt time.Time                       `json:"generated_at"`
	Products    []ProductReport                 `json:"products"`
	Summary     *ExecutiveSummary               `json:"summary,omitempty"`
	Infra       map[string][]models.InfraMetric `json:"infra,omitempty"`
	Failures    []ProductFailure                `json:"failures,omitempty"`
}

// AllScope selects every active product for executive and environment dashboards.
const AllScope = "all"

// Pipeline generates dashboard payloads: fetch, correlate, persist links, score, persist score.
type Pipeline struct {
	logger     *slog.Logger
	sources    SourceClient
	store      ResultStore
	correlator *Correlator
	scorer     *Scorer
	infra      *extractors.InfraExtractor
	miner      *patterns.Miner
	clock      utils.Clock
	parallel   int
}

// NewPipeline constructs a pipeline. parallel bounds concurrent product processing in
// multi-product dashboards.
func NewPipeline(
	logger *slog.Logger,
	sources SourceClient,
	store ResultStore,
	correlator *Correlator,
	scorer *Scorer,
	infra *extractors.InfraExtractor,
	clock utils.Clock,
	parallel int,
) *Pipeline {
	logger = utils.OrDefault(logger)
	if correlator == nil {
		correlator = NewCorrelator(DefaultMatchThreshold, logger)
	}
	if infra == nil {
		infra = extractors.NewInfraExtractor(0)
	}
	if parallel <= 0 {
		parallel = 4
	}
	return &Pipeline{
		logger:     logger,
		sources:    sources,
		store:      store,
		correlator: correlator,
		scorer:     scorer,
		infra:      infra,
		miner:      patterns.NewMiner(logger, patterns.DefaultLimit),
		clock:      clock,
		parallel:   parallel,
	}
}

// Generate builds the payload for one scope key.
func (p *Pipeline) Generate(ctx context.Context, key models.ScopeKey) (models.GenerationOutput, error) {
	if p.sources == nil || p.store == nil || p.scorer == nil {
		return models.GenerationOutput{}, errors.New("pipeline not configured")
	}

	ctx, span := tracer.Start(ctx, "pipeline.Generate")
	span.SetAttributes(attribute.String("scope", key.String()))
	defer span.End()

	productIDs, err := p.resolveProducts(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.GenerationOutput{}, err
	}

	payload := DashboardPayload{Kind: key.Kind, Scope: key.Scope, GeneratedAt: p.clock.Now().UTC()}
	reports, batches, failures := p.processAll(ctx, key.Kind, productIDs)
	if err := ctx.Err(); err != nil {
		return models.GenerationOutput{}, err
	}
	payload.Products = reports
	payload.Failures = failures

	if len(reports) == 0 && len(failures) > 0 {
		err := fmt.Errorf("all %d products failed: %w", len(failures), failures[0].err)
		span.SetStatus(codes.Error, err.Error())
		return models.GenerationOutput{}, err
	}

	records := 0
	for _, b := range batches {
		records += b.RecordCount()
	}

	switch key.Kind {
	case models.KindExecutive:
		payload.Summary = summarise(reports)
		payload.Summary.Hotspots = p.miner.Mine(batches)
	case models.KindEnvironment:
		payload.Infra = groupInfra(batches)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.GenerationOutput{}, fmt.Errorf("encode payload: %w", err)
	}
	return models.GenerationOutput{Payload: body, SourceRecordCount: records}, nil
}

func (p *Pipeline) resolveProducts(ctx context.Context, key models.ScopeKey) ([]string, error) {
	switch key.Kind {
	case models.KindProduct, models.KindReliability:
		return []string{key.Scope}, nil
	case models.KindExecutive, models.KindEnvironment:
		products, err := p.sources.ListProducts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		ids := make([]string, 0, len(products))
		for _, product := range products {
			if !product.Active {
				continue
			}
			if key.Kind == models.KindEnvironment && key.Scope != AllScope && !strings.EqualFold(product.Environment, key.Scope) {
				continue
			}
			ids = append(ids, product.ID)
		}
		if len(ids) == 0 && key.Kind == models.KindEnvironment && key.Scope != AllScope {
			return nil, utils.KindError(utils.ErrScopeNotFound, "pipeline.resolveProducts", fmt.Errorf("no products in environment %q", key.Scope))
		}
		sort.Strings(ids)
		return ids, nil
	default:
		return nil, utils.KindError(utils.ErrScopeNotFound, "pipeline.resolveProducts", fmt.Errorf("unknown kind %q", key.Kind))
	}
}

// processAll runs every product independently; one failure never aborts the others.
func (p *Pipeline) processAll(ctx context.Context, kind models.DashboardKind, productIDs []string) ([]ProductReport, []models.SourceBatch, []ProductFailure) {
	var (
		mu       sync.Mutex
		reports  []ProductReport
		batches  []models.SourceBatch
		failures []ProductFailure
	)

	var g errgroup.Group
	g.SetLimit(p.parallel)
	for _, id := range productIDs {
		g.Go(func() error {
			report, batch, err := p.processProduct(ctx, kind, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("product processing failed", slog.String("product", id), slog.Any("error", err))
				failures = append(failures, ProductFailure{ProductID: id, Error: err.Error(), err: err})
				return nil
			}
			reports = append(reports, report)
			batches = append(batches, batch)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(reports, func(a, b ProductReport) int { return strings.Compare(a.ProductID, b.ProductID) })
	slices.SortFunc(batches, func(a, b models.SourceBatch) int { return strings.Compare(a.ProductID, b.ProductID) })
	slices.SortFunc(failures, func(a, b ProductFailure) int { return strings.Compare(a.ProductID, b.ProductID) })
	return reports, batches, failures
}

func (p *Pipeline) processProduct(ctx context.Context, kind models.DashboardKind, productID string) (ProductReport, models.SourceBatch, error) {
	ctx, span := tracer.Start(ctx, "pipeline.product")
	span.SetAttributes(attribute.String("product", productID))
	defer span.End()

	batch, err := p.sources.FetchBatch(ctx, productID)
	if err != nil {
		span.RecordError(err)
		return ProductReport{}, models.SourceBatch{}, fmt.Errorf("fetch batch: %w", err)
	}
	if batch.ProductID == "" {
		batch.ProductID = productID
	}

	prior, err := p.store.ActiveLinks(ctx, productID)
	if err != nil {
		return ProductReport{}, batch, fmt.Errorf("load links: %w", err)
	}

	now := p.clock.Now().UTC()
	correlation, err := p.correlator.Correlate(ctx, CorrelationInput{
		Issues:  batch.Issues,
		Tickets: batch.Tickets,
		Prior:   prior,
		Now:     now,
	})
	if err != nil {
		return ProductReport{}, batch, fmt.Errorf("correlate: %w", err)
	}
	metrics.ObserveCorrelation(correlation)

	if err := p.store.SaveLinks(ctx, productID, correlation.Active, correlation.Retired); err != nil {
		return ProductReport{}, batch, fmt.Errorf("save links: %w", err)
	}

	var previous *models.ReliabilityScore
	latest, err := p.store.LatestScore(ctx, productID)
	switch {
	case err == nil:
		previous = &latest
	case errors.Is(err, repo.ErrNotFound):
	default:
		return ProductReport{}, batch, fmt.Errorf("load previous score: %w", err)
	}

	score := p.scorer.Score(ScoreInput{
		ProductID:    productID,
		RunID:        uuid.NewString(),
		Issues:       batch.Issues,
		Tickets:      batch.Tickets,
		Links:        correlation.Active,
		Quality:      batch.Quality,
		LastModified: batch.LastModified,
		Previous:     previous,
		Now:          now,
	})
	if err := p.store.SaveScore(ctx, score); err != nil {
		return ProductReport{}, batch, fmt.Errorf("save score: %w", err)
	}
	metrics.SetScore(productID, score.Overall)

	report := ProductReport{
		ProductID: productID,
		Score:     score,
		Skipped:   correlation.Skipped,
		Counts: map[string]int{
			models.SourceErrors:  len(batch.Issues),
			models.SourceTickets: len(batch.Tickets),
			models.SourceQuality: len(batch.Quality),
			models.SourceInfra:   len(batch.Infra),
			"links":              len(correlation.Active),
		},
	}
	switch kind {
	case models.KindProduct:
		report.Links = correlation.Active
	case models.KindEnvironment:
		report.Anomalies = p.infra.Detect(batch.Infra)
	}
	return report, batch, nil
}

func summarise(reports []ProductReport) *ExecutiveSummary {
	s := &ExecutiveSummary{ProductCount: len(reports), HealthBands: make(map[models.Health]int)}
	if len(reports) == 0 {
		return s
	}
	total := 0.0
	for _, r := range reports {
		total += r.Score.Overall
		s.HealthBands[r.Score.Health]++
		s.TotalIssues += r.Counts[models.SourceErrors]
		s.TotalLinks += r.Counts["links"]
	}
	s.MeanScore = round1(total / float64(len(reports)))

	ranked := slices.Clone(reports)
	slices.SortStableFunc(ranked, func(a, b ProductReport) int {
		switch {
		case a.Score.Overall < b.Score.Overall:
			return -1
		case a.Score.Overall > b.Score.Overall:
			return 1
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	for i := 0; i < len(ranked) && i < 3; i++ {
		s.Weakest = append(s.Weakest, ranked[i].ProductID)
	}
	return s
}

func groupInfra(batches []models.SourceBatch) map[string][]models.InfraMetric {
	out := make(map[string][]models.InfraMetric)
	for _, b := range batches {
		for _, m := range b.Infra {
			out[m.Resource] = append(out[m.Resource], m)
		}
	}
	for resource := range out {
		slices.SortStableFunc(out[resource], func(a, b models.InfraMetric) int {
			if c := strings.Compare(a.Name, b.Name); c != 0 {
				return c
			}
			return a.MeasuredAt.Compare(b.MeasuredAt)
		})
	}
	return out
}
