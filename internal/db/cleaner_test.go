package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSweepJobs(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer dbMock.Close()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE rewrite_jobs SET status = 'failed'").
		WithArgs(now.Add(-PendingTimeout).UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rewrite_jobs").
		WithArgs(now.Add(-48 * time.Hour).UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	res, err := SweepJobs(context.Background(), dbMock, DriverPostgres, now, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Abandoned: 1, Removed: 4}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepJobs_Errors(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer dbMock.Close()

	mock.ExpectExec("UPDATE rewrite_jobs").WillReturnError(errors.New("db fail"))
	_, err = SweepJobs(context.Background(), dbMock, DriverPostgres, time.Now(), time.Hour)
	assert.ErrorContains(t, err, "failed to expire pending jobs")

	mock.ExpectExec("UPDATE rewrite_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM rewrite_jobs").WillReturnError(errors.New("db fail"))
	_, err = SweepJobs(context.Background(), dbMock, DriverPostgres, time.Now(), time.Hour)
	assert.ErrorContains(t, err, "failed to delete failed jobs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepJobs_SQLitePlaceholders(t *testing.T) {
	dbMock, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherFunc(
		func(_, actual string) error {
			if want := "created_at < ?"; !strings.Contains(actual, want) {
				return errors.New("query not rebound: " + actual)
			}
			return nil
		})))
	require.NoError(t, err)
	defer dbMock.Close()

	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = SweepJobs(context.Background(), dbMock, DriverSQLite, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartFailedJobCleaner_Sweeps(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer dbMock.Close()

	mock.ExpectExec("UPDATE rewrite_jobs").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM rewrite_jobs").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	core, logs := observer.New(zapcore.InfoLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartFailedJobCleaner(ctx, dbMock, DriverPostgres, 10*time.Millisecond, time.Hour, zap.New(core))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("swept rewrite jobs").Len() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	entry := logs.FilterMessage("swept rewrite jobs").All()[0]
	assert.Equal(t, int64(2), entry.ContextMap()["abandoned"])
	assert.Equal(t, int64(3), entry.ContextMap()["removed"])
}

func TestStartFailedJobCleaner_ErrorLogged(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer dbMock.Close()

	mock.ExpectExec("UPDATE rewrite_jobs").
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(errors.New("db fail"))

	core, logs := observer.New(zapcore.ErrorLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartFailedJobCleaner(ctx, dbMock, DriverPostgres, 10*time.Millisecond, time.Hour, zap.New(core))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("rewrite job sweep failed").Len() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartFailedJobCleaner_CancelBeforeTicker(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer dbMock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	StartFailedJobCleaner(ctx, dbMock, DriverPostgres, 100*time.Millisecond, time.Hour, zap.NewNop())
	cancel()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, mock.ExpectationsWereMet(), "unexpected sql calls")
}
