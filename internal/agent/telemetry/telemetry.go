package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vendaflow/vendaflow/config"
)

// Telemetry provides monitoring and cost tracking for turn processing
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	mu sync.RWMutex
	// Turn metrics
	TotalTurns      int64
	SuccessfulTurns int64
	FailedTurns     int64
	AverageTurnTime time.Duration

	// Intent metrics
	IntentExecutions   map[string]int64
	IntentSuccessRates map[string]float64
	IntentAverageTimes map[string]time.Duration

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Re-plan metrics
	Replans int64
}

// CostTracker tracks costs across LLM models and operations
type CostTracker struct {
	mu sync.RWMutex

	OperationCosts map[string]float64 // operation -> cost
	ModelCosts     map[string]float64 // model -> cost

	TotalCost   float64
	TotalTokens int64
}

// TurnEvent represents a single processed conversation turn
type TurnEvent struct {
	ID             string
	SessionID      string
	TurnText       string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	Success        bool
	Error          string
	Cost           float64
	TokensUsed     int64
	IntentsRun     []string
	Replanned      bool
	LLMModelsUsed  []string
}

// IntentEvent represents a single dispatched action
type IntentEvent struct {
	ID         string
	Intent     string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			IntentExecutions:   make(map[string]int64),
			IntentSuccessRates: make(map[string]float64),
			IntentAverageTimes: make(map[string]time.Duration),
			LLMRequests:        make(map[string]int64),
			LLMTokensUsed:      make(map[string]int64),
		},
		costTracker: &CostTracker{
			OperationCosts: make(map[string]float64),
			ModelCosts:     make(map[string]float64),
		},
	}

	// Periodic logs can be disabled via config
	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// RecordTurnEvent records a complete turn processing event
func (t *Telemetry) RecordTurnEvent(ctx context.Context, event TurnEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalTurns++
	if event.Success {
		t.metrics.SuccessfulTurns++
	} else {
		t.metrics.FailedTurns++
	}

	if t.metrics.TotalTurns == 1 {
		t.metrics.AverageTurnTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageTurnTime * time.Duration(t.metrics.TotalTurns-1)
		t.metrics.AverageTurnTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalTurns)
	}

	for _, intent := range event.IntentsRun {
		t.metrics.IntentExecutions[intent]++
	}
	if event.Replanned {
		t.metrics.Replans++
	}

	for _, model := range event.LLMModelsUsed {
		t.metrics.LLMRequests[model]++
		t.metrics.LLMTokensUsed[model] += event.TokensUsed
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("Turn Event: ID=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d, Intents=%d",
		event.ID, event.Success, event.ProcessingTime, event.Cost, event.TokensUsed, len(event.IntentsRun))
}

// RecordIntentEvent records a dispatched action event
func (t *Telemetry) RecordIntentEvent(ctx context.Context, event IntentEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.IntentExecutions[event.Intent]++

	currentSuccess := t.metrics.IntentSuccessRates[event.Intent]
	currentExecutions := t.metrics.IntentExecutions[event.Intent]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.IntentSuccessRates[event.Intent] = currentSuccess / float64(currentExecutions)

	currentAvg := t.metrics.IntentAverageTimes[event.Intent]
	if currentExecutions == 1 {
		t.metrics.IntentAverageTimes[event.Intent] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentExecutions-1)
		t.metrics.IntentAverageTimes[event.Intent] = (total + event.Duration) / time.Duration(currentExecutions)
	}

	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("Intent Event: Intent=%s, Success=%t, Duration=%v, Cost=$%.4f",
		event.Intent, event.Success, event.Duration, event.Cost)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Deep copy to avoid handing out shared maps
	metrics := *t.metrics
	metrics.IntentExecutions = make(map[string]int64)
	metrics.IntentSuccessRates = make(map[string]float64)
	metrics.IntentAverageTimes = make(map[string]time.Duration)
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)

	for k, v := range t.metrics.IntentExecutions {
		metrics.IntentExecutions[k] = v
	}
	for k, v := range t.metrics.IntentSuccessRates {
		metrics.IntentSuccessRates[k] = v
	}
	for k, v := range t.metrics.IntentAverageTimes {
		metrics.IntentAverageTimes[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     make(map[string]float64),
		OperationCosts: make(map[string]float64),
	}

	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.OperationCosts {
		summary.OperationCosts[k] = v
	}

	return summary
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Turns=%d/%d, AvgTime=%v, Replans=%d, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulTurns, metrics.TotalTurns,
			metrics.AverageTurnTime, metrics.Replans, costs.TotalCost, costs.TotalTokens)
	}
}

// startCostReporting starts periodic cost reporting
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)

		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
		for op, cost := range costs.OperationCosts {
			t.logger.Printf("  Operation %s: $%.4f", op, cost)
		}
	}
}

// Shutdown gracefully shuts down the telemetry system
func (t *Telemetry) Shutdown() {
	t.logger.Println("Shutting down telemetry system...")

	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	if metrics.TotalTurns == 0 {
		return
	}

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Turns: %d", metrics.TotalTurns)
	t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulTurns)/float64(metrics.TotalTurns)*100)
	t.logger.Printf("  Average Turn Time: %v", metrics.AverageTurnTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	if metrics.TotalTurns == 0 {
		return "no turns processed yet"
	}

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Overall Metrics:
  Total Turns: %d
  Successful: %d (%.2f%%)
  Failed: %d (%.2f%%)
  Average Turn Time: %v
  Re-plans: %d
  Total Cost: $%.4f
  Total Tokens: %d

Intent Performance:
`, metrics.TotalTurns, metrics.SuccessfulTurns,
		float64(metrics.SuccessfulTurns)/float64(metrics.TotalTurns)*100,
		metrics.FailedTurns, float64(metrics.FailedTurns)/float64(metrics.TotalTurns)*100,
		metrics.AverageTurnTime, metrics.Replans, costs.TotalCost, costs.TotalTokens)

	for intent, executions := range metrics.IntentExecutions {
		successRate := metrics.IntentSuccessRates[intent]
		avgTime := metrics.IntentAverageTimes[intent]
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time\n",
			intent, executions, successRate*100, avgTime)
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		tokens := metrics.LLMTokensUsed[model]
		cost := costs.ModelCosts[model]
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, tokens, cost)
	}

	return report
}
