package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obvv-backend/models"
)

func sampleReport(run string, at time.Time) *models.Report {
	return &models.Report{
		RunID:       run,
		GeneratedAt: at,
		Counters:    models.Counters{TotalVotes: 3, ValidVotes: 2, DuplicateVotes: 1},
	}
}

func TestReportArchiveLatest(t *testing.T) {
	a, err := NewReportArchive(t.TempDir(), 0, nil)
	require.NoError(t, err)

	latest, err := a.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = a.Save(sampleReport("aaaaaaaa-1", t0))
	require.NoError(t, err)
	_, err = a.Save(sampleReport("bbbbbbbb-2", t0.Add(time.Second)))
	require.NoError(t, err)

	latest, err = a.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "bbbbbbbb-2", latest.RunID)
	assert.Equal(t, 3, latest.Counters.TotalVotes)
}

func TestReportArchivePrunes(t *testing.T) {
	dir := t.TempDir()
	a, err := NewReportArchive(dir, 3, nil)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := a.Save(sampleReport("run0000"+string(rune('0'+i)), t0.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, reportPattern))
	require.NoError(t, err)
	assert.Len(t, files, 3)

	latest, err := a.Latest()
	require.NoError(t, err)
	assert.Equal(t, "run00005", latest.RunID)
}

func TestReportArchiveIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := NewReportArchive(dir, 0, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report_garbage.json"), []byte("{}"), 0644))
	_, err = a.Save(sampleReport("cccccccc", t0))
	require.NoError(t, err)

	latest, err := a.Latest()
	require.NoError(t, err)
	assert.Equal(t, "cccccccc", latest.RunID)
}

func TestReportArchiveRejectsNil(t *testing.T) {
	a, err := NewReportArchive(t.TempDir(), 0, nil)
	require.NoError(t, err)
	_, err = a.Save(nil)
	assert.Error(t, err)
}
