package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/logging"
)

type fakeProvider struct {
	response string
	err      error
	delay    time.Duration
}

func (p *fakeProvider) Complete(ctx context.Context, _, _ string) (string, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.response, p.err
}

type fixedContext struct{ bundle ContextBundle }

func (f fixedContext) CollectContext(context.Context) (ContextBundle, error) {
	return f.bundle, nil
}

type failingContext struct{}

func (failingContext) CollectContext(context.Context) (ContextBundle, error) {
	return ContextBundle{}, errors.New("store unavailable")
}

func breakdownEvent() contracts.AnomalyEvent {
	return contracts.AnomalyEvent{
		Type:     "VEHICLE_BREAKDOWN",
		Severity: contracts.SeverityCritical,
		Title:    "Vehicle breakdown: TRK-009",
		EventID:  "evt-1",
		Source:   contracts.SourceMonitor,
	}
}

const goodResponse = `{
	"cause": "TRK-009 suffered an engine failure mid-route",
	"impact_summary": "Six orders on its manifest will be late",
	"affected_order_count": 6,
	"recommended_actions": [
		{"action": "reassign_vehicle", "reason": "move the manifest to TRK-002", "priority": "HIGH"}
	],
	"severity_assessment": "CRITICAL",
	"confidence": 0.9
}`

func TestAnalyzeUsesProviderResponse(t *testing.T) {
	sink := audit.NewMemorySink()
	a := New(&fakeProvider{response: goodResponse}, fixedContext{}, sink, time.Second, logging.NewNop())

	analysis, err := a.Analyze(context.Background(), breakdownEvent(), "evt-1")
	require.NoError(t, err)
	require.False(t, analysis.FromFallback)
	require.Equal(t, "TRK-009 suffered an engine failure mid-route", analysis.Cause)
	require.Equal(t, 0.9, analysis.Confidence)
	require.Equal(t, "VEHICLE_BREAKDOWN", analysis.EventType)

	records := sink.All()
	require.Len(t, records, 1)
	require.Equal(t, audit.RoleAnomaly, records[0].AgentRole)
	require.Equal(t, audit.PhaseOrient, records[0].Phase)
	require.Equal(t, "evt-1", records[0].ParentID)
	require.NotNil(t, records[0].Confidence)
	require.Equal(t, 0.9, *records[0].Confidence)
}

func TestAnalyzeExtractsFencedJSON(t *testing.T) {
	fenced := "Here is my analysis:\n```json\n" + goodResponse + "\n```\nHope this helps."
	a := New(&fakeProvider{response: fenced}, fixedContext{}, audit.NewMemorySink(), time.Second, logging.NewNop())

	analysis, err := a.Analyze(context.Background(), breakdownEvent(), "")
	require.NoError(t, err)
	require.False(t, analysis.FromFallback)
	require.Equal(t, 0.9, analysis.Confidence)
}

func TestFallbackOnProviderError(t *testing.T) {
	a := New(&fakeProvider{err: errors.New("rate limited")}, fixedContext{}, audit.NewMemorySink(), time.Second, logging.NewNop())

	analysis, err := a.Analyze(context.Background(), breakdownEvent(), "")
	require.NoError(t, err)
	require.True(t, analysis.FromFallback)
	require.Equal(t, 0.80, analysis.Confidence)
	require.NotEmpty(t, analysis.RecommendedActions)
}

func TestFallbackOnTimeout(t *testing.T) {
	slow := &fakeProvider{response: goodResponse, delay: 200 * time.Millisecond}
	a := New(slow, fixedContext{}, audit.NewMemorySink(), 10*time.Millisecond, logging.NewNop())

	analysis, err := a.Analyze(context.Background(), breakdownEvent(), "")
	require.NoError(t, err)
	require.True(t, analysis.FromFallback)
}

func TestFallbackOnUnusableResponse(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "sorry, I cannot help with that"},
		{"missing cause", `{"impact_summary": "x", "severity_assessment": "WARNING", "confidence": 0.5}`},
		{"confidence out of range", `{"cause": "x", "impact_summary": "y", "severity_assessment": "WARNING", "confidence": 1.7}`},
		{"bad severity", `{"cause": "x", "impact_summary": "y", "severity_assessment": "MEH", "confidence": 0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(&fakeProvider{response: tt.response}, fixedContext{}, audit.NewMemorySink(), time.Second, logging.NewNop())
			analysis, err := a.Analyze(context.Background(), breakdownEvent(), "")
			require.NoError(t, err)
			require.True(t, analysis.FromFallback)
		})
	}
}

func TestNilProviderAlwaysFallsBack(t *testing.T) {
	a := New(nil, fixedContext{}, audit.NewMemorySink(), time.Second, logging.NewNop())

	ev := breakdownEvent()
	ev.Type = "STOCK_SHORTAGE"
	analysis, err := a.Analyze(context.Background(), ev, "")
	require.NoError(t, err)
	require.True(t, analysis.FromFallback)
	require.Equal(t, 0.70, analysis.Confidence)
}

func TestUnknownEventTypeTemplate(t *testing.T) {
	a := New(nil, fixedContext{}, audit.NewMemorySink(), time.Second, logging.NewNop())

	ev := breakdownEvent()
	ev.Type = "SOMETHING_NEW"
	analysis, err := a.Analyze(context.Background(), ev, "")
	require.NoError(t, err)
	require.Equal(t, 0.50, analysis.Confidence)
	require.NotEmpty(t, analysis.RecommendedActions)
}

func TestContextFailureDoesNotAbortAnalysis(t *testing.T) {
	a := New(nil, failingContext{}, audit.NewMemorySink(), time.Second, logging.NewNop())

	analysis, err := a.Analyze(context.Background(), breakdownEvent(), "")
	require.NoError(t, err)
	require.True(t, analysis.FromFallback)
}

func TestTemplatesFillContextNumbers(t *testing.T) {
	bundle := ContextBundle{
		PendingOrders:  42,
		WarehouseCodes: []string{"ICN-1", "PUS-1"},
		AffectedOrders: []AffectedOrder{{OrderCode: "ORD-1"}, {OrderCode: "ORD-2"}},
	}
	a := New(nil, fixedContext{bundle: bundle}, audit.NewMemorySink(), time.Second, logging.NewNop())

	ev := breakdownEvent()
	ev.Type = "ORDER_SURGE"
	analysis, err := a.Analyze(context.Background(), ev, "")
	require.NoError(t, err)
	require.Contains(t, analysis.Cause, "42 orders")
	require.Equal(t, 2, analysis.AffectedOrderCount)
	require.Equal(t, []string{"ICN-1", "PUS-1"}, analysis.AffectedWarehouses)
	require.Equal(t, []string{"ORD-1", "ORD-2"}, analysis.AffectedOrders)
}
