package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"obvv-backend/logger"
	"obvv-backend/models"
)

const (
	reportPattern     = "report_*.json"
	reportStampLayout = "20060102150405.000000"
	DefaultReportKeep = 20
)

// ReportArchive keeps the most recent reconciliation reports as
// report_<timestamp>_<run>.json files in one directory.
type ReportArchive struct {
	dir   string
	keep  int
	mutex sync.RWMutex
	log   *zap.SugaredLogger
}

type reportFile struct {
	path      string
	timestamp time.Time
}

type reportFiles []reportFile

func (f reportFiles) Len() int { return len(f) }
func (f reportFiles) Less(i, j int) bool {
	if f[i].timestamp.Equal(f[j].timestamp) {
		return f[i].path < f[j].path
	}
	return f[i].timestamp.Before(f[j].timestamp)
}
func (f reportFiles) Swap(i, j int) { f[i], f[j] = f[j], f[i] }

// NewReportArchive creates dir if needed. keep <= 0 selects DefaultReportKeep.
func NewReportArchive(dir string, keep int, log *zap.SugaredLogger) (*ReportArchive, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	if keep <= 0 {
		keep = DefaultReportKeep
	}

	return &ReportArchive{
		dir:  absPath,
		keep: keep,
		log:  logger.Or(log),
	}, nil
}

// Save writes the report and prunes the oldest files beyond the keep limit.
func (a *ReportArchive) Save(report *models.Report) (string, error) {
	if report == nil {
		return "", fmt.Errorf("cannot save nil report")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	stamp := report.GeneratedAt.UTC().Format(reportStampLayout)
	run := report.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	filename := filepath.Join(a.dir, fmt.Sprintf("report_%s_%s.json", stamp, run))

	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	tempPath := filename + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tempPath, filename); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to save report: %w", err)
	}

	if err := a.cleanupOldFiles(); err != nil {
		a.log.Warnw("failed to prune old reports", "error", err)
	}

	a.log.Infow("saved reconciliation report", "path", filename, "run_id", report.RunID)
	return filename, nil
}

// Latest returns the newest archived report, or nil when none exists.
func (a *ReportArchive) Latest() (*models.Report, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	files, err := a.listFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	latest := files[len(files)-1].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to open report %s: %w", latest, err)
	}

	var report models.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", latest, err)
	}
	return &report, nil
}

// listFiles returns archived reports sorted oldest first.
func (a *ReportArchive) listFiles() (reportFiles, error) {
	paths, err := filepath.Glob(filepath.Join(a.dir, reportPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	var files reportFiles
	for _, path := range paths {
		base := filepath.Base(path)
		parts := strings.Split(strings.TrimSuffix(base, ".json"), "_")
		if len(parts) < 2 {
			continue
		}
		ts, err := time.Parse(reportStampLayout, parts[1])
		if err != nil {
			a.log.Warnw("invalid timestamp in report file name", "file", base, "error", err)
			continue
		}
		files = append(files, reportFile{path: path, timestamp: ts})
	}

	sort.Sort(files)
	return files, nil
}

func (a *ReportArchive) cleanupOldFiles() error {
	files, err := a.listFiles()
	if err != nil {
		return err
	}

	for i := 0; i < len(files)-a.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			a.log.Warnw("failed to remove old report", "path", files[i].path, "error", err)
		} else {
			a.log.Debugw("removed old report", "path", files[i].path)
		}
	}
	return nil
}
