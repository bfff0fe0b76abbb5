package engine

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

var corrNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func checkoutIssue() models.Issue {
	return models.Issue{ID: "101", Title: "Payment timeout on checkout", Status: models.IssueUnresolved, Level: models.LevelError}
}

func checkoutTicket() models.Ticket {
	return models.Ticket{Key: "PROJ-44", Summary: "PROJ-44: checkout payment timing out", Status: models.TicketOpen}
}

func correlate(t *testing.T, in CorrelationInput) models.CorrelationResult {
	t.Helper()
	if in.Now.IsZero() {
		in.Now = corrNow
	}
	res, err := NewCorrelator(0, nil).Correlate(context.Background(), in)
	if err != nil {
		t.Fatalf("correlate: %v", err)
	}
	return res
}

func TestCorrelateFuzzyScenario(t *testing.T) {
	res := correlate(t, CorrelationInput{
		Issues:  []models.Issue{checkoutIssue()},
		Tickets: []models.Ticket{checkoutTicket()},
	})
	if len(res.Active) != 1 {
		t.Fatalf("expected one link, got %+v", res.Active)
	}
	l := res.Active[0]
	if l.Method != models.MethodFuzzy || l.IssueID != "101" || l.TicketKey != "PROJ-44" {
		t.Fatalf("unexpected link %+v", l)
	}
	if l.Confidence < 0.8 || l.Confidence > 0.95 {
		t.Fatalf("expected confidence in [0.8, 0.95], got %.4f", l.Confidence)
	}
}

func TestCorrelateExplicitSupersedesFuzzy(t *testing.T) {
	issue := checkoutIssue()
	issue.Annotations = []string{"PROJ-44"}
	prior := []models.Link{{IssueID: "101", TicketKey: "PROJ-44", Method: models.MethodFuzzy, Confidence: 0.87, CreatedAt: corrNow.Add(-time.Hour)}}

	res := correlate(t, CorrelationInput{Issues: []models.Issue{issue}, Tickets: []models.Ticket{checkoutTicket()}, Prior: prior})

	if len(res.Active) != 1 || res.Active[0].Method != models.MethodExplicit || res.Active[0].Confidence != 1.0 {
		t.Fatalf("expected one explicit link, got %+v", res.Active)
	}
	if len(res.Retired) != 1 || res.Retired[0].Method != models.MethodFuzzy || res.Retired[0].RetiredAt == nil {
		t.Fatalf("expected the prior fuzzy link retired, got %+v", res.Retired)
	}
}

func TestCorrelateExplicitNeverSupersededByFuzzy(t *testing.T) {
	created := corrNow.Add(-24 * time.Hour)
	prior := []models.Link{{IssueID: "101", TicketKey: "PROJ-44", Method: models.MethodExplicit, Confidence: 1, CreatedAt: created}}

	res := correlate(t, CorrelationInput{Issues: []models.Issue{checkoutIssue()}, Tickets: []models.Ticket{checkoutTicket()}, Prior: prior})

	if len(res.Active) != 1 || res.Active[0].Method != models.MethodExplicit {
		t.Fatalf("explicit link must survive, got %+v", res.Active)
	}
	if !res.Active[0].CreatedAt.Equal(created) {
		t.Fatalf("carried link should keep its creation time")
	}
	if len(res.Retired) != 0 {
		t.Fatalf("nothing should retire, got %+v", res.Retired)
	}
}

func TestCorrelateConfidenceChangeSupersedesPriorRow(t *testing.T) {
	created := corrNow.Add(-24 * time.Hour)
	prior := []models.Link{{IssueID: "101", TicketKey: "PROJ-44", Method: models.MethodFuzzy, Confidence: 0.5, CreatedAt: created}}

	res := correlate(t, CorrelationInput{Issues: []models.Issue{checkoutIssue()}, Tickets: []models.Ticket{checkoutTicket()}, Prior: prior})

	if len(res.Active) != 1 || res.Active[0].Confidence == 0.5 {
		t.Fatalf("expected a recomputed fuzzy link, got %+v", res.Active)
	}
	if !res.Active[0].CreatedAt.Equal(corrNow) {
		t.Fatalf("replacement should be created at the run time, got %s", res.Active[0].CreatedAt)
	}
	if len(res.Retired) != 1 || res.Retired[0].Confidence != 0.5 {
		t.Fatalf("expected the prior row retired, got %+v", res.Retired)
	}
	if r := res.Retired[0]; r.RetiredAt == nil || !r.RetiredAt.Equal(corrNow) || !r.CreatedAt.Equal(created) {
		t.Fatalf("prior row should keep its creation time and retire at the run time, got %+v", r)
	}
}

func TestCorrelateExplicitFromMetadataURL(t *testing.T) {
	issue := models.Issue{ID: "7", Title: "Something unrelated", Metadata: map[string]string{
		"ticket": "https://acme.atlassian.net/browse/PROJ-44",
	}}
	res := correlate(t, CorrelationInput{Issues: []models.Issue{issue}, Tickets: []models.Ticket{checkoutTicket()}})
	if len(res.Active) != 1 || res.Active[0].Method != models.MethodExplicit {
		t.Fatalf("expected explicit link from metadata, got %+v", res.Active)
	}
}

func TestCorrelateAnnotationForUnknownTicketIgnored(t *testing.T) {
	issue := models.Issue{ID: "7", Title: "Something unrelated", Annotations: []string{"OTHER-1"}}
	res := correlate(t, CorrelationInput{Issues: []models.Issue{issue}, Tickets: []models.Ticket{checkoutTicket()}})
	if len(res.Active) != 0 {
		t.Fatalf("expected no links, got %+v", res.Active)
	}
}

func TestCorrelateDeterministic(t *testing.T) {
	in := CorrelationInput{
		Issues: []models.Issue{
			checkoutIssue(),
			{ID: "102", Title: "Database connection pool exhausted"},
			{ID: "103", Title: "Login page crashes on safari", Annotations: []string{"WEB-9"}},
		},
		Tickets: []models.Ticket{
			{Key: "OPS-3", Summary: "DB connection pool exhausted under load"},
			checkoutTicket(),
			{Key: "WEB-9", Summary: "Safari login crash"},
		},
	}
	first := correlate(t, in)
	in.Issues[0], in.Issues[2] = in.Issues[2], in.Issues[0]
	second := correlate(t, in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("correlation is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestCorrelateMutuallyBestOnly(t *testing.T) {
	res := correlate(t, CorrelationInput{
		Issues: []models.Issue{
			checkoutIssue(),
			{ID: "102", Title: "Payment timeouts on checkout page"},
			{ID: "103", Title: "Checkout payment timeout"},
		},
		Tickets: []models.Ticket{checkoutTicket()},
	})
	if len(res.Active) != 1 {
		t.Fatalf("a single ticket may absorb only one fuzzy link, got %+v", res.Active)
	}

	issuesSeen := map[string]int{}
	ticketsSeen := map[string]int{}
	for _, l := range res.Active {
		issuesSeen[l.IssueID]++
		ticketsSeen[l.TicketKey]++
	}
	for id, n := range issuesSeen {
		if n > 1 {
			t.Fatalf("issue %s in %d fuzzy links", id, n)
		}
	}
	for key, n := range ticketsSeen {
		if n > 1 {
			t.Fatalf("ticket %s in %d fuzzy links", key, n)
		}
	}
}

func TestCorrelateTieBreaksByID(t *testing.T) {
	a := checkoutIssue()
	a.ID = "b-issue"
	b := checkoutIssue()
	b.ID = "a-issue"
	res := correlate(t, CorrelationInput{Issues: []models.Issue{a, b}, Tickets: []models.Ticket{checkoutTicket()}})
	if len(res.Active) != 1 || res.Active[0].IssueID != "a-issue" {
		t.Fatalf("expected tie to go to a-issue, got %+v", res.Active)
	}
}

func TestCorrelateBelowThreshold(t *testing.T) {
	res := correlate(t, CorrelationInput{
		Issues:  []models.Issue{checkoutIssue()},
		Tickets: []models.Ticket{{Key: "PROJ-45", Summary: "checkout payment refund failing"}},
	})
	if len(res.Active) != 0 {
		t.Fatalf("expected no link below threshold, got %+v", res.Active)
	}
}

func TestCorrelateMalformedAndEmptyInput(t *testing.T) {
	res := correlate(t, CorrelationInput{
		Issues: []models.Issue{
			{ID: "", Title: "Payment timeout on checkout"},
			{ID: "9", Title: ""},
		},
		Tickets: []models.Ticket{checkoutTicket(), {Key: " ", Summary: "blank key"}},
	})
	if res.Skipped != 2 {
		t.Fatalf("expected 2 skipped records, got %d", res.Skipped)
	}
	if len(res.Active) != 0 {
		t.Fatalf("empty titles never link, got %+v", res.Active)
	}

	res = correlate(t, CorrelationInput{Issues: []models.Issue{checkoutIssue()}})
	if len(res.Active) != 0 || res.Skipped != 0 {
		t.Fatalf("no candidate tickets should give an empty set, got %+v", res)
	}
}

func TestCorrelateRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCorrelator(0.8, nil).Correlate(ctx, CorrelationInput{
		Issues:  []models.Issue{checkoutIssue()},
		Tickets: []models.Ticket{checkoutTicket()},
		Now:     corrNow,
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
