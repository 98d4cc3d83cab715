package scan

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type decodeStep struct {
	token string
	err   error
}

type scriptDecoder struct {
	mu    sync.Mutex
	steps []decodeStep
}

func (d *scriptDecoder) Decode(ctx context.Context) (string, error) {
	d.mu.Lock()
	if len(d.steps) == 0 {
		d.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	d.mu.Unlock()
	return step.token, step.err
}

type fakeDecisionAPI struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*api.ScanResult
	errs    map[string]error
	blocked map[string]chan struct{}
}

func (f *fakeDecisionAPI) ScanQR(_ context.Context, qrData string) (*api.ScanResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, qrData)
	gate := f.blocked[qrData]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[qrData]; err != nil {
		return nil, err
	}
	if res := f.results[qrData]; res != nil {
		return res, nil
	}
	return &api.ScanResult{AccessGranted: true, Member: api.MemberSummary{Name: "Alice"}}, nil
}

func (f *fakeDecisionAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestScanResolvesGranted(t *testing.T) {
	client := &fakeDecisionAPI{}
	w := NewWorkflow(client, nil, zap.NewNop())

	var mu sync.Mutex
	var resolved []Attempt
	w.OnResolved(func(a Attempt) {
		mu.Lock()
		resolved = append(resolved, a)
		mu.Unlock()
	})

	attempt := w.Start(context.Background(), &scriptDecoder{steps: []decodeStep{{token: "M-2002"}}})
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, attempt.ID, resolved[0].ID)
	assert.Equal(t, PhaseResolved, resolved[0].Phase)
	assert.Equal(t, "M-2002", resolved[0].Token)
	require.NotNil(t, resolved[0].Decision)
	assert.True(t, resolved[0].Decision.AccessGranted)
	assert.Equal(t, 1, client.callCount())
}

func TestDeniedScanThenCleanRestart(t *testing.T) {
	client := &fakeDecisionAPI{results: map[string]*api.ScanResult{
		"M-1001": {AccessGranted: false, DenialReason: "membership expired"},
	}}
	w := NewWorkflow(client, nil, zap.NewNop())

	w.Start(context.Background(), &scriptDecoder{steps: []decodeStep{{token: "M-1001"}}})
	w.Wait()

	current := w.Current()
	require.Equal(t, PhaseResolved, current.Phase)
	require.NotNil(t, current.Decision)
	assert.False(t, current.Decision.AccessGranted)
	assert.Equal(t, "membership expired", current.Decision.DenialReason)

	// next scan starts from a fresh attempt, nothing carried over
	next := w.Start(context.Background(), &scriptDecoder{steps: []decodeStep{{token: "M-2002"}}})
	assert.NotEqual(t, current.ID, next.ID)
	w.Wait()
	after := w.Current()
	require.NotNil(t, after.Decision)
	assert.True(t, after.Decision.AccessGranted)
}

func TestDecodeErrorsDoNotEndAttempt(t *testing.T) {
	client := &fakeDecisionAPI{}
	w := NewWorkflow(client, nil, zap.NewNop())

	dec := &scriptDecoder{steps: []decodeStep{
		{err: errors.New("blur")},
		{err: errors.New("glare")},
		{token: "M-2002"},
	}}
	w.Start(context.Background(), dec)
	w.Wait()

	assert.Equal(t, PhaseResolved, w.Current().Phase)
	assert.Equal(t, 1, client.callCount())
}

func TestCaptureDeviceGoneResolvesWithError(t *testing.T) {
	client := &fakeDecisionAPI{}
	w := NewWorkflow(client, nil, zap.NewNop())

	w.Start(context.Background(), &scriptDecoder{steps: []decodeStep{{err: io.EOF}}})
	w.Wait()

	current := w.Current()
	assert.Equal(t, PhaseResolved, current.Phase)
	assert.ErrorIs(t, current.Err, io.EOF)
	assert.Equal(t, 0, client.callCount())
}

func TestSubmissionFailureResolvesWithError(t *testing.T) {
	client := &fakeDecisionAPI{errs: map[string]error{"M-2002": errors.New("backend down")}}
	w := NewWorkflow(client, nil, zap.NewNop())

	w.Start(context.Background(), &scriptDecoder{steps: []decodeStep{{token: "M-2002"}}})
	w.Wait()

	current := w.Current()
	assert.Equal(t, PhaseResolved, current.Phase)
	assert.Nil(t, current.Decision)
	assert.Error(t, current.Err)
	// no retry: still exactly one submission
	assert.Equal(t, 1, client.callCount())
}

func TestSupersededResponseIsDropped(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeDecisionAPI{
		blocked: map[string]chan struct{}{"slow": gate},
		results: map[string]*api.ScanResult{
			"fast": {AccessGranted: true, Member: api.MemberSummary{Name: "Bob"}},
		},
	}
	w := NewWorkflow(client, nil, zap.NewNop())

	var mu sync.Mutex
	var resolved []Attempt
	w.OnResolved(func(a Attempt) {
		mu.Lock()
		resolved = append(resolved, a)
		mu.Unlock()
	})

	w.Start(context.Background(), &scriptDecoder{steps: []decodeStep{{token: "slow"}}})
	waitFor(t, func() bool { return client.callCount() == 1 }, "first submission never left")

	second := w.Start(context.Background(), &scriptDecoder{steps: []decodeStep{{token: "fast"}}})
	waitFor(t, func() bool { return client.callCount() == 2 }, "second submission never left")

	// release the superseded response after the second attempt resolved
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(resolved) == 1
	}, "second attempt never resolved")
	close(gate)
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, second.ID, resolved[0].ID)

	current := w.Current()
	assert.Equal(t, second.ID, current.ID)
	require.NotNil(t, current.Decision)
	assert.Equal(t, "Bob", current.Decision.Member.Name)
}

func TestResetReturnsToIdle(t *testing.T) {
	client := &fakeDecisionAPI{}
	w := NewWorkflow(client, nil, zap.NewNop())

	w.Start(context.Background(), &scriptDecoder{})
	w.Reset()
	w.Wait()

	assert.Equal(t, PhaseIdle, w.Current().Phase)
	assert.Equal(t, 0, client.callCount())
}

func TestLineDecoder(t *testing.T) {
	dec := NewLineDecoder(strings.NewReader("\n  M-1001  \nM-2002\n"))

	token, err := dec.Decode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "M-1001", token)

	token, err = dec.Decode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "M-2002", token)

	_, err = dec.Decode(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineDecoderHonorsContext(t *testing.T) {
	r, _ := io.Pipe()
	dec := NewLineDecoder(r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dec.Decode(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
