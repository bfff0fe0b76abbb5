// Command mock-sources serves canned source-adapter batches for local development.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	logger := utils.NewLogger("debug", "text")
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), logRequests(logger))

	products := fixtureProducts()
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/api/v1/products", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"products": products})
	})
	router.GET("/api/v1/products/:id/batch", func(c *gin.Context) {
		batch, ok := fixtureBatch(c.Param("id"), time.Now().UTC())
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown product"})
			return
		}
		c.JSON(http.StatusOK, batch)
	})

	logger.Info("mock sources listening", slog.String("address", *addr))
	srv := &http.Server{Addr: *addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func fixtureProducts() []models.Product {
	return []models.Product{
		{ID: "checkout", Name: "Checkout", Environment: "prod", Active: true},
		{ID: "payments", Name: "Payments", Environment: "prod", Active: true},
		{ID: "search", Name: "Search", Environment: "staging", Active: true},
		{ID: "legacy-billing", Name: "Legacy Billing", Environment: "prod", Active: false},
	}
}

func fixtureBatch(productID string, now time.Time) (models.SourceBatch, bool) {
	switch productID {
	case "checkout":
		resolved := now.Add(-6 * time.Hour)
		return models.SourceBatch{
			ProductID: productID,
			Issues: []models.Issue{
				{ID: "CHK-ERR-1", Title: "Payment gateway timeout on submit", Level: models.LevelError, EventCount: 420, UserCount: 130,
					Status: models.IssueUnresolved, FirstSeen: now.Add(-48 * time.Hour), LastSeen: now.Add(-5 * time.Minute),
					Annotations: []string{"https://tracker.local/browse/CHK-101"}},
				{ID: "CHK-ERR-2", Title: "Cart total rounding mismatch", Level: models.LevelWarning, EventCount: 12, UserCount: 9,
					Status: models.IssueUnresolved, FirstSeen: now.Add(-30 * time.Hour), LastSeen: now.Add(-2 * time.Hour)},
				{ID: "CHK-ERR-3", Title: "Null address in shipping step", Level: models.LevelFatal, EventCount: 3, UserCount: 3,
					Status: models.IssueResolved, FirstSeen: now.Add(-96 * time.Hour), LastSeen: now.Add(-72 * time.Hour)},
			},
			Tickets: []models.Ticket{
				{Key: "CHK-101", Summary: "Payment gateway timeout on submit", RawStatus: "In Progress", Priority: "Highest",
					CreatedAt: now.Add(-47 * time.Hour), UpdatedAt: now.Add(-1 * time.Hour)},
				{Key: "CHK-102", Summary: "Cart total rounding mismatch in EUR", RawStatus: "To Do", Priority: "Medium",
					CreatedAt: now.Add(-29 * time.Hour), UpdatedAt: now.Add(-29 * time.Hour)},
				{Key: "CHK-090", Summary: "Null address during shipping", RawStatus: "Done", Priority: "High",
					CreatedAt: now.Add(-90 * time.Hour), UpdatedAt: resolved, ResolvedAt: &resolved},
			},
			Quality: []models.QualityMetric{
				{ProductID: productID, Project: "checkout-web", GatePassed: true, Coverage: 71.5, Bugs: 4, CodeSmells: 87,
					Vulnerabilities: 1, LinesOfCode: 48000, MeasuredAt: now.Add(-3 * time.Hour)},
				{ProductID: productID, Project: "checkout-api", GatePassed: false, Coverage: 54.0, Bugs: 11, CodeSmells: 140,
					Vulnerabilities: 2, LinesOfCode: 61000, MeasuredAt: now.Add(-3 * time.Hour)},
			},
			Infra:        cpuSeries(productID, "checkout-api", now, 41, 44, 39, 43, 97),
			LastModified: lastModified(now, time.Hour),
		}, true
	case "payments":
		return models.SourceBatch{
			ProductID: productID,
			Issues: []models.Issue{
				{ID: "PAY-ERR-1", Title: "Card tokenisation retry exhausted", Level: models.LevelError, EventCount: 35, UserCount: 20,
					Status: models.IssueUnresolved, FirstSeen: now.Add(-10 * time.Hour), LastSeen: now.Add(-20 * time.Minute)},
			},
			Tickets: []models.Ticket{
				{Key: "PAY-7", Summary: "Card tokenization retries exhausted", RawStatus: "In Review", Priority: "High",
					CreatedAt: now.Add(-9 * time.Hour), UpdatedAt: now.Add(-3 * time.Hour)},
			},
			Quality: []models.QualityMetric{
				{ProductID: productID, Project: "payments-core", GatePassed: true, Coverage: 83.2, Bugs: 1, CodeSmells: 22,
					LinesOfCode: 30500, MeasuredAt: now.Add(-5 * time.Hour)},
			},
			Infra:        cpuSeries(productID, "payments-core", now, 22, 25, 23, 24),
			LastModified: lastModified(now, 2*time.Hour),
		}, true
	case "search":
		return models.SourceBatch{
			ProductID: productID,
			Quality: []models.QualityMetric{
				{ProductID: productID, Project: "search-indexer", GatePassed: true, Coverage: 66.0, Bugs: 2, CodeSmells: 51,
					LinesOfCode: 22000, MeasuredAt: now.Add(-30 * time.Hour)},
			},
			LastModified: lastModified(now, 30*time.Hour),
		}, true
	default:
		return models.SourceBatch{}, false
	}
}

func cpuSeries(productID, resource string, now time.Time, values ...float64) []models.InfraMetric {
	out := make([]models.InfraMetric, 0, len(values))
	for i, v := range values {
		out = append(out, models.InfraMetric{
			ProductID:  productID,
			Resource:   resource,
			Name:       "cpu_utilization",
			Value:      v,
			Unit:       "percent",
			MeasuredAt: now.Add(-time.Duration(len(values)-i) * 5 * time.Minute),
		})
	}
	return out
}

func lastModified(now time.Time, age time.Duration) map[string]time.Time {
	ts := now.Add(-age)
	return map[string]time.Time{
		models.SourceErrors:  ts,
		models.SourceTickets: ts,
		models.SourceQuality: ts,
		models.SourceInfra:   ts,
	}
}

func logRequests(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
