package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/otb-data/gkg-ingest/internal/batch"
	"github.com/otb-data/gkg-ingest/internal/elasticsearch"
	"github.com/otb-data/gkg-ingest/internal/gkg"
	"github.com/otb-data/gkg-ingest/internal/pipeline"
)

// memSource serves records from a slice.
type memSource struct {
	lines  []string
	next   int
	closed bool
}

func (s *memSource) Next(ctx context.Context) (gkg.Record, error) {
	if err := ctx.Err(); err != nil {
		return gkg.Record{}, err
	}
	if s.next >= len(s.lines) {
		return gkg.Record{}, io.EOF
	}
	s.next++
	return gkg.Record{
		Line:   s.lines[s.next-1],
		Source: "test.gkg.csv",
		Offset: int64(s.next),
	}, nil
}

func (s *memSource) Close() error {
	s.closed = true
	return nil
}

// fakeTransfer accepts every document unless a hook says otherwise.
type fakeTransfer struct {
	mu      sync.Mutex
	batches []*batch.Batch
	hook    func(call int, b *batch.Batch) (*elasticsearch.BulkResult, error)
}

func (t *fakeTransfer) Bulk(ctx context.Context, alias string, b *batch.Batch) (*elasticsearch.BulkResult, error) {
	t.mu.Lock()
	t.batches = append(t.batches, b)
	call := len(t.batches)
	t.mu.Unlock()

	if t.hook != nil {
		return t.hook(call, b)
	}
	return &elasticsearch.BulkResult{Accepted: b.Len()}, nil
}

func (t *fakeTransfer) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

type fakeVerifier struct {
	writable bool
	err      error
	calls    atomic.Int32
}

func (v *fakeVerifier) VerifyWritable(ctx context.Context) (bool, error) {
	v.calls.Add(1)
	return v.writable, v.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// validLine builds a well-formed GKG line; overrides patch single columns.
func validLine(overrides map[int]string) string {
	cols := []string{
		"20251110",
		"2",
		"KILL#12#people",
		"TERROR",
		"1#France#FR##46.0#2.0#FR",
		"John Doe",
		"united nations",
		"-2.5,3.1,5.6,8.7,21.3,0.4",
		"123456789",
		"bbc.co.uk",
		"https://www.bbc.co.uk/news/article",
	}
	for i, v := range overrides {
		cols[i] = v
	}
	return strings.Join(cols, "\t")
}

func runner(cfg pipeline.Config, src pipeline.Source, transfer pipeline.Transfer, verifier pipeline.Verifier) *pipeline.Runner {
	if cfg.Alias == "" {
		cfg.Alias = "gkg"
	}
	return pipeline.New(cfg, src, transfer, verifier, discard())
}

func TestRunEndToEndSummary(t *testing.T) {
	// 1000 lines: 5 carry one malformed nested sub-record each, 1 has a
	// malformed date. Expect 999 accepted, 1 document failure, 5 warnings.
	lines := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		switch {
		case i > 0 && i%200 == 0: // 5 lines: 200,400,600,800 + one more below
			lines = append(lines, validLine(map[int]string{4: "1#France#FR##46.0#2.0#FR;garbage"}))
		case i == 999:
			lines = append(lines, validLine(map[int]string{0: "notadate"}))
		default:
			lines = append(lines, validLine(nil))
		}
	}
	// Four patched so far; patch one more for five.
	lines[100] = validLine(map[int]string{2: "KILL#twelve#people"})

	transfer := &fakeTransfer{}
	verifier := &fakeVerifier{writable: true}
	r := runner(pipeline.Config{BatchSize: 100, Workers: 4}, &memSource{lines: lines}, transfer, verifier)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, pipeline.StateCompleted, r.State())
	require.Equal(t, 999, summary.Accepted)
	require.Equal(t, 1, summary.DocumentFailures)
	require.Equal(t, 1, summary.InvalidDates)
	require.Equal(t, 5, summary.SubRecordWarnings)
	require.Equal(t, 1000, summary.Lines)
	require.Equal(t, 10, summary.Batches)
	require.Zero(t, summary.Rejected)
	require.Zero(t, summary.TransportFailed)
}

func TestRunFlushesTrailingPartialBatch(t *testing.T) {
	lines := []string{validLine(nil), validLine(nil), validLine(nil)}
	transfer := &fakeTransfer{}
	r := runner(pipeline.Config{BatchSize: 100}, &memSource{lines: lines}, transfer, &fakeVerifier{writable: true})

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Accepted)
	require.Equal(t, 1, summary.Batches)
	require.Equal(t, 1, transfer.callCount())
	require.Equal(t, 3, transfer.batches[0].Len())
}

func TestRunEmptyInputCompletes(t *testing.T) {
	transfer := &fakeTransfer{}
	r := runner(pipeline.Config{}, &memSource{}, transfer, &fakeVerifier{writable: true})

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCompleted, summary.State)
	require.Zero(t, transfer.callCount(), "no batch for an empty input")
}

func TestRunVerificationBarrier(t *testing.T) {
	verifier := &fakeVerifier{writable: true}
	var verifiedBeforeFirstBulk atomic.Bool
	transfer := &fakeTransfer{}
	transfer.hook = func(call int, b *batch.Batch) (*elasticsearch.BulkResult, error) {
		if call == 1 && verifier.calls.Load() == 1 {
			verifiedBeforeFirstBulk.Store(true)
		}
		return &elasticsearch.BulkResult{Accepted: b.Len()}, nil
	}

	r := runner(pipeline.Config{BatchSize: 1}, &memSource{lines: []string{validLine(nil)}}, transfer, verifier)
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, verifiedBeforeFirstBulk.Load(), "lifecycle check must precede the first dispatch")
}

func TestRunLifecycleNotReady(t *testing.T) {
	transfer := &fakeTransfer{}
	src := &memSource{lines: []string{validLine(nil)}}
	r := runner(pipeline.Config{}, src, transfer, &fakeVerifier{writable: false})

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrLifecycleNotReady)
	require.Equal(t, pipeline.StateFailed, r.State())
	require.Zero(t, transfer.callCount(), "no write may be attempted against an unverified alias")
	require.Zero(t, src.next, "the source must not even be read")
}

func TestRunVerifierError(t *testing.T) {
	r := runner(pipeline.Config{}, &memSource{}, &fakeTransfer{}, &fakeVerifier{err: fmt.Errorf("cluster down")})
	_, err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, pipeline.StateFailed, r.State())
}

func TestRunErrorRateThreshold(t *testing.T) {
	// 150 lines, every second one has the wrong column count: far above the
	// 5% default once the minimum sample is reached.
	lines := make([]string, 0, 150)
	for i := 0; i < 150; i++ {
		if i%2 == 0 {
			lines = append(lines, "only\tthree\tcolumns")
		} else {
			lines = append(lines, validLine(nil))
		}
	}

	r := runner(pipeline.Config{BatchSize: 10}, &memSource{lines: lines}, &fakeTransfer{}, &fakeVerifier{writable: true})
	summary, err := r.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrErrorRateExceeded)
	require.Equal(t, pipeline.StateFailed, summary.State)
	require.NotZero(t, summary.SchemaMismatches)
}

func TestRunToleratesMismatchesBelowThreshold(t *testing.T) {
	lines := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		if i == 50 {
			lines = append(lines, "short\tline")
		} else {
			lines = append(lines, validLine(nil))
		}
	}

	r := runner(pipeline.Config{BatchSize: 50, MaxErrorRate: 0.05}, &memSource{lines: lines}, &fakeTransfer{}, &fakeVerifier{writable: true})
	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 199, summary.Accepted)
	require.Equal(t, 1, summary.SchemaMismatches)
	require.Equal(t, 1, summary.DocumentFailures)
}

func TestRunBatchRetryExhaustionFailsRunButOtherBatchesContinue(t *testing.T) {
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = validLine(nil)
	}

	transfer := &fakeTransfer{}
	transfer.hook = func(call int, b *batch.Batch) (*elasticsearch.BulkResult, error) {
		if call == 1 {
			return &elasticsearch.BulkResult{Failed: b.Len()},
				fmt.Errorf("%w: gone", elasticsearch.ErrRetriesExhausted)
		}
		return &elasticsearch.BulkResult{Accepted: b.Len()}, nil
	}

	r := runner(pipeline.Config{BatchSize: 10, Workers: 1}, &memSource{lines: lines}, transfer, &fakeVerifier{writable: true})
	summary, err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, pipeline.StateFailed, summary.State)
	require.Equal(t, 3, transfer.callCount(), "remaining batches still go out")
	require.Equal(t, 20, summary.Accepted)
	require.Equal(t, 10, summary.TransportFailed)
}

func TestRunPermanentRejectionsCountedNotFatal(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = validLine(nil)
	}

	transfer := &fakeTransfer{}
	transfer.hook = func(call int, b *batch.Batch) (*elasticsearch.BulkResult, error) {
		return &elasticsearch.BulkResult{
			Accepted:   b.Len() - 1,
			Rejected:   1,
			Rejections: []elasticsearch.Rejection{{ID: b.Items[0].ID, Status: 400, Reason: "mapper_parsing_exception"}},
		}, nil
	}

	r := runner(pipeline.Config{BatchSize: 10}, &memSource{lines: lines}, transfer, &fakeVerifier{writable: true})
	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCompleted, summary.State)
	require.Equal(t, 9, summary.Accepted)
	require.Equal(t, 1, summary.Rejected)
}

// cancelingSource cancels the run after a fixed number of records.
type cancelingSource struct {
	memSource
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *cancelingSource) Next(ctx context.Context) (gkg.Record, error) {
	if s.next >= s.cancelAfter {
		s.cancel()
	}
	return s.memSource.Next(ctx)
}

func TestRunCancellationFailsWithPartialSummary(t *testing.T) {
	lines := make([]string, 1000)
	for i := range lines {
		lines[i] = validLine(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancelingSource{memSource: memSource{lines: lines}, cancelAfter: 500, cancel: cancel}

	r := runner(pipeline.Config{BatchSize: 50}, src, &fakeTransfer{}, &fakeVerifier{writable: true})
	summary, err := r.Run(ctx)
	require.Error(t, err)
	require.Equal(t, pipeline.StateFailed, summary.State)
	require.LessOrEqual(t, summary.Lines, 501)
	require.NotZero(t, summary.Lines, "partial progress is reported")
}

func TestSnapshotReflectsLiveState(t *testing.T) {
	r := runner(pipeline.Config{}, &memSource{}, &fakeTransfer{}, &fakeVerifier{writable: true})
	snap := r.Snapshot()
	require.Equal(t, pipeline.StateIdle, snap.State)
	require.NotEmpty(t, snap.RunID)

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	snap = r.Snapshot()
	require.Equal(t, pipeline.StateCompleted, snap.State)
}
