package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/internal/store"
	"github.com/makeasinger/songforge/internal/testutil"
)

func run(t *testing.T, db *gorm.DB, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "trackctl", SilenceUsage: true, SilenceErrors: true}
	SetupCLI(root, func(*cobra.Command) (*gorm.DB, error) { return db, nil }, testutil.Logger(t))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedJob(t *testing.T, db *gorm.DB, status model.JobStatus) *model.GenerationJob {
	t.Helper()
	params, _ := json.Marshal(model.GenerationParams{Prompt: "ambient", Provider: model.ProviderTest})
	job := &model.GenerationJob{
		ID:            uuid.NewString(),
		OwnerID:       "owner-1",
		Provider:      model.ProviderTest,
		Status:        status,
		RequestParams: params,
	}
	require.NoError(t, store.NewJobStore(db, testutil.Logger(t)).Create(context.Background(), job))
	return job
}

func TestMigrate(t *testing.T) {
	out, err := run(t, testutil.DB(t), "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date")
}

func TestJobsList(t *testing.T) {
	db := testutil.DB(t)

	out, err := run(t, db, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")

	pending := seedJob(t, db, model.JobStatusPending)
	failed := seedJob(t, db, model.JobStatusFailed)

	out, err = run(t, db, "jobs", "list", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, failed.ID)
	assert.NotContains(t, out, pending.ID)
}

func TestJobsGet(t *testing.T) {
	db := testutil.DB(t)
	job := seedJob(t, db, model.JobStatusProcessing)

	out, err := run(t, db, "jobs", "get", job.ID)
	require.NoError(t, err)

	var got struct {
		Job model.GenerationJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, job.ID, got.Job.ID)
	assert.Equal(t, model.JobStatusProcessing, got.Job.Status)

	_, err = run(t, db, "jobs", "get", "missing")
	assert.ErrorIs(t, err, service.ErrJobNotFound)

	_, err = run(t, db, "jobs", "get")
	assert.Error(t, err)
}

func TestReap(t *testing.T) {
	db := testutil.DB(t)
	stale := seedJob(t, db, model.JobStatusProcessing)
	fresh := seedJob(t, db, model.JobStatusProcessing)
	testutil.Backdate(t, db, &model.GenerationJob{}, stale.ID, time.Hour)

	out, err := run(t, db, "reap", "--stale-after", "30m")
	require.NoError(t, err)
	assert.Contains(t, out, "Reaped 1 jobs and 0 pipelines")

	jobs := store.NewJobStore(db, testutil.Logger(t))
	got, err := jobs.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Job stalled: no progress for 30m0s", *got.ErrorMessage)

	got, err = jobs.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestPipelinesGetMissing(t *testing.T) {
	_, err := run(t, testutil.DB(t), "pipelines", "get", "missing")
	assert.ErrorIs(t, err, service.ErrPipelineNotFound)
}
