package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-reliability/internal/cache"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// SourceClient pulls canonical records from the source-adapter gateway.
type SourceClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      cache.Provider
	cacheTTL   time.Duration
}

// SourceClientConfig configures NewSourceClient.
type SourceClientConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Rate     float64
	Burst    int
	CacheTTL time.Duration
}

// NewSourceClient constructs a client. A zero Rate disables throttling; a nil cache disables caching.
func NewSourceClient(cfg SourceClientConfig, cacheProvider cache.Provider) *SourceClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return &SourceClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cache:      cacheProvider,
		cacheTTL:   cfg.CacheTTL,
	}
}

// ListProducts returns every product known to the gateway.
func (c *SourceClient) ListProducts(ctx context.Context) ([]models.Product, error) {
	var response struct {
		Products []models.Product `json:"products"`
	}
	if err := c.getJSON(ctx, "source.ListProducts", "/api/v1/products", &response); err != nil {
		return nil, err
	}
	return response.Products, nil
}

// FetchBatch returns the current records for one product, served from cache for CacheTTL.
func (c *SourceClient) FetchBatch(ctx context.Context, productID string) (models.SourceBatch, error) {
	switch strings.TrimSpace(productID) {
	case "", ".", "..":
		return models.SourceBatch{}, utils.KindError(utils.ErrScopeNotFound, "source.FetchBatch", fmt.Errorf("invalid product id %q", productID))
	}

	cacheKey := "rel:batch:" + productID
	if c.cacheTTL > 0 {
		if cached, ok := cache.GetJSON[models.SourceBatch](ctx, c.cache, cacheKey); ok {
			return cached, nil
		}
	}

	var batch models.SourceBatch
	endpoint := "/api/v1/products/" + url.PathEscape(productID) + "/batch"
	if err := c.getJSON(ctx, "source.FetchBatch", endpoint, &batch); err != nil {
		return models.SourceBatch{}, err
	}
	normaliseBatch(&batch, productID)

	if c.cacheTTL > 0 {
		_ = cache.SetJSON(ctx, c.cache, cacheKey, batch, c.cacheTTL)
	}
	return batch, nil
}

// normaliseBatch fills derived fields the gateway may omit.
func normaliseBatch(batch *models.SourceBatch, productID string) {
	if batch.ProductID == "" {
		batch.ProductID = productID
	}
	for i := range batch.Tickets {
		t := &batch.Tickets[i]
		raw := t.RawStatus
		if raw == "" {
			raw = string(t.Status)
		}
		t.Status = models.NormalizeTicketStatus(raw)
	}
}

func (c *SourceClient) getJSON(ctx context.Context, op, p string, out any) error {
	if c.baseURL == "" {
		return utils.KindError(utils.ErrSourceUnavailable, op, errors.New("source base URL not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return utils.KindError(utils.ErrSourceUnavailable, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolvePath(p), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.KindError(utils.ErrSourceUnavailable, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return utils.KindError(utils.ErrScopeNotFound, op, fmt.Errorf("gateway returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return utils.KindError(utils.ErrSourceUnavailable, op, fmt.Errorf("gateway returned %s", resp.Status))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return utils.KindError(utils.ErrSourceUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// resolvePath joins p, already escaped, onto the base URL.
func (c *SourceClient) resolvePath(p string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(p, "/")
	}
	return u.JoinPath(p).String()
}
