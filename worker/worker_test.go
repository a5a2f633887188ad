package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClipFinance/tx-pipeline/chains/solana"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/failover"
	"github.com/ClipFinance/tx-pipeline/outbox"
	"github.com/ClipFinance/tx-pipeline/signer"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newTestStore() *outbox.Store {
	return outbox.NewStore(outbox.NewMemoryBackend(), testLogger())
}

func enqueue(t *testing.T, store *outbox.Store, id string) types.PendingTransaction {
	t.Helper()
	tx, err := store.Enqueue(context.Background(), types.PendingTransaction{
		ID:        id,
		ToAddress: sol.NewWallet().PublicKey().String(),
		Amount:    5_000,
		FeePreset: types.FeeNormal,
	})
	require.NoError(t, err)
	return tx
}

// scriptedSubmitter returns the queued outcomes in order and repeats the last one.
type scriptedSubmitter struct {
	mu       sync.Mutex
	outcomes []types.SubmissionOutcome
	calls    map[string]int
	block    chan struct{}
	active   atomic.Int32
	maxSeen  atomic.Int32
}

func newScriptedSubmitter(outcomes ...types.SubmissionOutcome) *scriptedSubmitter {
	return &scriptedSubmitter{outcomes: outcomes, calls: map[string]int{}}
}

func (s *scriptedSubmitter) Submit(ctx context.Context, tx types.PendingTransaction) types.SubmissionOutcome {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return types.Retry(ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[tx.ID]++
	outcome := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	return outcome
}

// submitFunc adapts a function to types.Submitter.
type submitFunc func(ctx context.Context, tx types.PendingTransaction) types.SubmissionOutcome

func (f submitFunc) Submit(ctx context.Context, tx types.PendingTransaction) types.SubmissionOutcome {
	return f(ctx, tx)
}

func (s *scriptedSubmitter) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func TestNew_PanicsOnNilDependencies(t *testing.T) {
	assert.Panics(t, func() { New(nil, newScriptedSubmitter(types.Submitted("x")), testLogger()) })
	assert.Panics(t, func() { New(newTestStore(), nil, testLogger()) })
}

func TestConfig_Defaults(t *testing.T) {
	w := New(newTestStore(), newScriptedSubmitter(types.Submitted("x")), testLogger())
	assert.Equal(t, DefaultRetryCap, w.RetryCap())
	assert.Equal(t, defaultConcurrency, w.cfg.Concurrency)
	assert.Equal(t, defaultRunInterval, w.cfg.RunInterval)
}

func TestRunOnce_RowAtRetryCapIsFailedWithoutSubmitting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	tx := enqueue(t, store, "capped")
	for i := 0; i < 10; i++ {
		_, err := store.IncrementRetries(ctx, tx.ID)
		require.NoError(t, err)
	}

	submitter := newScriptedSubmitter(types.Submitted("never"))
	var failed []types.FailedTransaction
	w := New(store, submitter, testLogger(),
		WithRetryCap(5),
		WithOnFailed(func(_ context.Context, record types.FailedTransaction) {
			failed = append(failed, record)
		}),
	)

	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 1}, report)
	assert.Zero(t, submitter.callsFor(tx.ID))

	rows, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.Len(t, failed, 1)
	assert.Equal(t, types.ReasonRetryCapExceeded, failed[0].Reason)
	assert.Equal(t, 10, failed[0].Transaction.Retries)

	// A later run has nothing left to attempt.
	report, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Zero(t, submitter.callsFor(tx.ID))
}

func TestRunOnce_TransientFailureIncrementsRetries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	tx := enqueue(t, store, "flaky")
	w := New(store, newScriptedSubmitter(types.Retry(errors.New("all endpoints down"))), testLogger())

	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Retried: 1}, report)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
}

func TestRunOnce_TransientFailuresReachCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	tx := enqueue(t, store, "doomed")
	submitter := newScriptedSubmitter(types.Retry(errors.New("unavailable")))
	w := New(store, submitter, testLogger(), WithRetryCap(3))

	for i := 0; i < 2; i++ {
		report, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, Report{Retried: 1}, report)
	}
	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 1}, report)
	assert.Equal(t, 3, submitter.callsFor(tx.ID))

	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, types.ReasonRetryCapExceeded, failed[0].Reason)
	assert.Equal(t, "unavailable", failed[0].Error)
}

func TestRunOnce_SuccessRemovesRowAndCallsHook(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	tx := enqueue(t, store, "good")

	var gotID, gotSig string
	w := New(store, newScriptedSubmitter(types.Submitted("sig-1")), testLogger(),
		WithOnSubmitted(func(_ context.Context, tx types.PendingTransaction, signature string) {
			gotID, gotSig = tx.ID, signature
		}),
	)

	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Submitted: 1}, report)
	assert.Equal(t, tx.ID, gotID)
	assert.Equal(t, "sig-1", gotSig)

	rows, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunOnce_TerminalFailureMovesRowWithReason(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	enqueue(t, store, "rejected")
	w := New(store, newScriptedSubmitter(types.Failed(types.ReasonRPCRejected, errors.New("insufficient funds"))), testLogger())

	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 1}, report)

	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, types.ReasonRPCRejected, failed[0].Reason)
	assert.Equal(t, 0, failed[0].Transaction.Retries)
}

func TestRunOnce_ConcurrentRunsNeverSubmitSameRowTwice(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	tx := enqueue(t, store, "once")

	submitter := newScriptedSubmitter(types.Submitted("sig"))
	submitter.block = make(chan struct{})
	w := New(store, submitter, testLogger())

	first := make(chan Report, 1)
	go func() {
		report, _ := w.RunOnce(ctx)
		first <- report
	}()
	require.Eventually(t, func() bool { return submitter.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	second, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 1}, second)

	close(submitter.block)
	assert.Equal(t, Report{Submitted: 1}, <-first)
	assert.Equal(t, 1, submitter.callsFor(tx.ID))
}

func TestRunOnce_ConcurrencyIsBounded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		enqueue(t, store, id)
	}
	submitter := newScriptedSubmitter(types.Submitted("sig"))
	submitter.block = make(chan struct{})
	w := New(store, submitter, testLogger(), WithConcurrency(2))

	done := make(chan Report, 1)
	go func() {
		report, _ := w.RunOnce(ctx)
		done <- report
	}()
	require.Eventually(t, func() bool { return submitter.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(submitter.block)

	assert.Equal(t, Report{Submitted: 6}, <-done)
	assert.LessOrEqual(t, submitter.maxSeen.Load(), int32(2))
}

func TestRunOnce_CancelledRunDoesNotCountAttempt(t *testing.T) {
	store := newTestStore()
	tx := enqueue(t, store, "interrupted")
	submitter := newScriptedSubmitter(types.Submitted("sig"))
	submitter.block = make(chan struct{})
	w := New(store, submitter, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return submitter.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Retries)
}

func TestRun_TriggerStartsRun(t *testing.T) {
	store := newTestStore()
	submitted := make(chan string, 4)
	w := New(store, newScriptedSubmitter(types.Submitted("sig")), testLogger(),
		WithRunInterval(time.Hour),
		WithOnSubmitted(func(_ context.Context, tx types.PendingTransaction, _ string) {
			submitted <- tx.ID
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the initial run pass over the empty outbox before enqueueing.
	time.Sleep(20 * time.Millisecond)
	enqueue(t, store, "late")
	w.Trigger()
	w.Trigger()

	select {
	case id := <-submitted:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("trigger did not start a run")
	}

	cancel()
	assert.NoError(t, <-done)
}

// chainSender fails transiently the configured number of times and records payloads.
type chainSender struct {
	mu       sync.Mutex
	failures int
	payloads [][]byte
}

func (s *chainSender) SendTransaction(_ context.Context, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	if s.failures > 0 {
		s.failures--
		return "", &failover.UnavailableError{Method: "sendTransaction"}
	}
	tx, err := sol.TransactionFromBytes(payload)
	if err != nil {
		return "", err
	}
	return tx.Signatures[0].String(), nil
}

type staticBlockhash struct {
	calls   atomic.Int32
	// onFetch runs before the hash is returned
	onFetch func()
}

func (s *staticBlockhash) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	n := s.calls.Add(1)
	if s.onFetch != nil {
		s.onFetch()
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: sol.Hash{byte(n)}, LastValidBlockHeight: 100},
	}, nil
}

func TestRunOnce_ResubmitsIdenticalSignedBytes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	tx := enqueue(t, store, "signed-once")

	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	keySigner, err := signer.NewKeypairSigner(key.String())
	require.NoError(t, err)

	blockhashes := &staticBlockhash{}
	sender := &chainSender{failures: 2}
	submitter := solana.NewSubmitter(solana.NewAssembler(blockhashes, keySigner, testLogger()), sender, store, testLogger())

	var signature string
	w := New(store, submitter, testLogger(), WithOnSubmitted(func(_ context.Context, _ types.PendingTransaction, sig string) {
		signature = sig
	}))

	for i := 0; i < 2; i++ {
		report, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, Report{Retried: 1}, report)
	}
	stored, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Retries)
	assert.True(t, stored.HasPayload())

	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Submitted: 1}, report)

	require.Len(t, sender.payloads, 3)
	assert.Equal(t, sender.payloads[0], sender.payloads[1])
	assert.Equal(t, sender.payloads[0], sender.payloads[2])
	assert.Equal(t, int32(1), blockhashes.calls.Load())
	assert.Equal(t, stored.Signature, signature)
}

func TestRunOnce_CancelledRunNeverFailsRow(t *testing.T) {
	store := newTestStore()
	tx := enqueue(t, store, "terminal-after-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	submitter := submitFunc(func(context.Context, types.PendingTransaction) types.SubmissionOutcome {
		cancel()
		return types.Failed(types.ReasonSigningFailed, errors.New("approval aborted"))
	})
	w := New(store, submitter, testLogger())

	report, err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Report{Skipped: 1}, report)

	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Retries)
	failed, err := store.Failed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRunOnce_CancelBeforeSigningKeepsRowUnsigned(t *testing.T) {
	store := newTestStore()
	tx := enqueue(t, store, "cancel-before-sign")

	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	keySigner, err := signer.NewKeypairSigner(key.String())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	blockhashes := &staticBlockhash{onFetch: cancel}
	sender := &chainSender{}
	submitter := solana.NewSubmitter(solana.NewAssembler(blockhashes, keySigner, testLogger()), sender, store, testLogger())
	w := New(store, submitter, testLogger())

	report, err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Report{Skipped: 1}, report)
	assert.Empty(t, sender.payloads)

	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Retries)
	assert.False(t, got.HasPayload())
	failed, err := store.Failed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)

	// The next run signs and submits the row normally.
	report, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Submitted: 1}, report)
}

func TestRun_PicksUpRowEnqueuedThroughStore(t *testing.T) {
	store := newTestStore()
	submitted := make(chan string, 1)
	w := New(store, newScriptedSubmitter(types.Submitted("sig")), testLogger(),
		WithRunInterval(time.Hour),
		WithOnSubmitted(func(_ context.Context, tx types.PendingTransaction, _ string) {
			submitted <- tx.ID
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	enqueue(t, store, "direct")

	select {
	case id := <-submitted:
		assert.Equal(t, "direct", id)
	case <-time.After(time.Second):
		t.Fatal("row enqueued through the store was not submitted")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_OwnStoreWritesDoNotStartRuns(t *testing.T) {
	store := newTestStore()
	submitter := newScriptedSubmitter(types.Retry(errors.New("unavailable")))
	w := New(store, submitter, testLogger(), WithRunInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	tx := enqueue(t, store, "stays-put")

	require.Eventually(t, func() bool { return submitter.callsFor(tx.ID) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	settled := submitter.callsFor(tx.ID)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, submitter.callsFor(tx.ID))
	assert.Less(t, settled, DefaultRetryCap)

	cancel()
	assert.NoError(t, <-done)
}
