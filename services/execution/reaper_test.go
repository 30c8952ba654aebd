package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestReaper(svc *Service) *Reaper {
	return &Reaper{
		service:        svc,
		interval:       5 * time.Minute,
		pendingTimeout: 10 * time.Minute,
		runningTimeout: 30 * time.Minute,
	}
}

func TestSweepTimesOutStuckPending(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	exec, err := svc.Create(ctx, CreateParams{OrgID: "acme", WorkflowName: "wf", ExecutedBy: "u"})
	require.NoError(t, err)
	ageIndexRows(t, db, exec.ID, 11*time.Minute)

	newTestReaper(svc).Sweep(ctx)

	got, err := svc.Get(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, got.Status)
	require.Equal(t, "ExecutionTimeout", got.ErrorType)
	require.Contains(t, got.ErrorMessage, "Pending")
	require.NotNil(t, got.CompletedAt)
	require.NotEmpty(t, got.Logs)
}

func TestSweepLeavesFreshExecutionsAlone(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	exec, err := svc.Create(ctx, CreateParams{OrgID: "acme", WorkflowName: "wf", ExecutedBy: "u"})
	require.NoError(t, err)
	ageIndexRows(t, db, exec.ID, 9*time.Minute)

	newTestReaper(svc).Sweep(ctx)

	got, err := svc.Get(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	exec, err := svc.Create(ctx, CreateParams{OrgID: "acme", WorkflowName: "wf", ExecutedBy: "u"})
	require.NoError(t, err)
	ageIndexRows(t, db, exec.ID, 11*time.Minute)

	reaper := newTestReaper(svc)
	reaper.Sweep(ctx)

	first, err := svc.Get(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, first.Status)

	// Overlapping or repeated sweeps must not touch the terminal row.
	reaper.Sweep(ctx)

	second, err := svc.Get(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, second.Status)
	require.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
}

func TestSweepRepairsDriftedStatusIndex(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	exec, err := svc.Create(ctx, CreateParams{OrgID: "acme", WorkflowName: "wf", ExecutedBy: "u"})
	require.NoError(t, err)

	// Simulate drift: the primary row finalized but the status index row was
	// never moved.
	require.NoError(t, db.Model(&Execution{}).Where("id = ?", exec.ID).
		Updates(map[string]any{"status": StatusSuccess, "completed_at": time.Now()}).Error)

	newTestReaper(svc).Sweep(ctx)

	var row ExecutionIndex
	require.NoError(t, db.Where("kind = ? AND execution_id = ?", IndexKindStatus, exec.ID).First(&row).Error)
	require.Equal(t, StatusSuccess, row.Status)
	require.Equal(t, string(StatusSuccess), row.Key)
}

func TestSweepDeletesOrphanedStatusIndex(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	exec, err := svc.Create(ctx, CreateParams{OrgID: "acme", WorkflowName: "wf", ExecutedBy: "u"})
	require.NoError(t, err)

	// Simulate a lost primary row; the index rows are now orphans.
	require.NoError(t, db.Where("id = ?", exec.ID).Delete(&Execution{}).Error)

	newTestReaper(svc).Sweep(ctx)

	var count int64
	require.NoError(t, db.Model(&ExecutionIndex{}).
		Where("kind = ? AND execution_id = ?", IndexKindStatus, exec.ID).
		Count(&count).Error)
	require.EqualValues(t, 0, count)
}
