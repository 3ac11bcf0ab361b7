package service

import (
	"sync"
	"time"

	"obvv-backend/models"
)

// MetricsCollector tracks booth scanning and reconciliation timings
type MetricsCollector struct {
	mu            sync.RWMutex
	scanStartTime time.Time
	scanEndTime   time.Time
	scanAccepted  int
	scanRejected  int
	scanTotalTime time.Duration

	votingPhaseStarted   bool
	votingPhaseStartTime time.Time
	votingPhaseEndTime   time.Time
	votingPhaseDuration  time.Duration

	reconcileRuns      int
	reconcileStartTime time.Time
	reconcileEndTime   time.Time
	reconcileDuration  time.Duration
	lastCounters       models.Counters
	lastExcluded       int
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Rejected       int       `json:"rejected,omitempty"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

type ReconcileMetrics struct {
	OperationMetrics
	LastCounters       models.Counters `json:"last_counters"`
	LastBoothsExcluded int             `json:"last_booths_excluded"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Scanning       OperationMetrics `json:"scanning"`
	VotingPhase    OperationMetrics `json:"voting_phase"`
	Reconciliation ReconcileMetrics `json:"reconciliation"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

func (mc *MetricsCollector) StartVotingPhase() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.votingPhaseStarted = true
	mc.votingPhaseStartTime = time.Now()
}

func (mc *MetricsCollector) EndVotingPhase() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.votingPhaseStarted {
		mc.votingPhaseEndTime = time.Now()
		mc.votingPhaseDuration = mc.votingPhaseEndTime.Sub(mc.votingPhaseStartTime)
	}
}

// RecordScan records one processed scan and whether it reached the ledger.
func (mc *MetricsCollector) RecordScan(duration time.Duration, accepted bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	if mc.scanAccepted+mc.scanRejected == 0 {
		mc.scanStartTime = now.Add(-duration)
	}
	mc.scanEndTime = now
	mc.scanTotalTime += duration
	if accepted {
		mc.scanAccepted++
	} else {
		mc.scanRejected++
	}
}

func (mc *MetricsCollector) RecordReconcileStart() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.reconcileStartTime = time.Now()
}

func (mc *MetricsCollector) RecordReconcileEnd(report *models.Report) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.reconcileRuns++
	mc.reconcileEndTime = time.Now()
	mc.reconcileDuration = mc.reconcileEndTime.Sub(mc.reconcileStartTime)
	if report != nil {
		mc.lastCounters = report.Counters
		mc.lastExcluded = len(report.BoothsExcluded)
	}
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return MetricsResponse{
		Scanning: OperationMetrics{
			StartTime:      mc.scanStartTime,
			EndTime:        mc.scanEndTime,
			Count:          mc.scanAccepted,
			Rejected:       mc.scanRejected,
			ProcessingTime: mc.scanTotalTime.Milliseconds(),
		},
		VotingPhase: OperationMetrics{
			StartTime:      mc.votingPhaseStartTime,
			EndTime:        mc.votingPhaseEndTime,
			ProcessingTime: mc.votingPhaseDuration.Milliseconds(),
		},
		Reconciliation: ReconcileMetrics{
			OperationMetrics: OperationMetrics{
				StartTime:      mc.reconcileStartTime,
				EndTime:        mc.reconcileEndTime,
				Count:          mc.reconcileRuns,
				ProcessingTime: mc.reconcileDuration.Milliseconds(),
			},
			LastCounters:       mc.lastCounters,
			LastBoothsExcluded: mc.lastExcluded,
		},
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.scanStartTime = time.Time{}
	mc.scanEndTime = time.Time{}
	mc.scanAccepted = 0
	mc.scanRejected = 0
	mc.scanTotalTime = 0

	mc.votingPhaseStarted = false
	mc.votingPhaseStartTime = time.Time{}
	mc.votingPhaseEndTime = time.Time{}
	mc.votingPhaseDuration = 0

	mc.reconcileRuns = 0
	mc.reconcileStartTime = time.Time{}
	mc.reconcileEndTime = time.Time{}
	mc.reconcileDuration = 0
	mc.lastCounters = models.Counters{}
	mc.lastExcluded = 0
}
