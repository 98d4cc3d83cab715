package scan

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/fithublabs/gatekeeper/internal/common/errorx"
	"github.com/fithublabs/gatekeeper/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase is a stage of one scan attempt. Transitions are strictly forward;
// no phase is revisited without starting a new attempt.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCapturing  Phase = "capturing"
	PhaseDecoded    Phase = "decoded"
	PhaseSubmitting Phase = "submitting"
	PhaseResolved   Phase = "resolved"
)

// Decoder is the capture capability behind an attempt. Decode blocks until
// one credential token is extracted or ctx ends. A camera pipeline and a
// line reader both fit.
type Decoder interface {
	Decode(ctx context.Context) (string, error)
}

// DecisionAPI is the slice of the backend client the workflow submits to.
type DecisionAPI interface {
	ScanQR(ctx context.Context, qrData string) (*api.ScanResult, error)
}

// Attempt is one capture-decide-resolve cycle. Decision and Err are set only
// in PhaseResolved and belong to this attempt until the next Start.
type Attempt struct {
	ID       string
	Token    string
	Phase    Phase
	Decision *api.ScanResult
	Err      error
	Started  time.Time
}

// Resolved reports whether the attempt reached a terminal outcome.
func (a Attempt) Resolved() bool { return a.Phase == PhaseResolved }

// ResolvedFunc observes each attempt exactly once, at resolution.
type ResolvedFunc func(Attempt)

// Workflow drives scan attempts one at a time. Starting a new attempt
// supersedes the previous one: its decoder stops and any response still in
// flight is discarded instead of being applied to the new attempt. Responses
// are matched by attempt id, never by arrival order.
type Workflow struct {
	logger  *zap.Logger
	client  DecisionAPI
	metrics *metrics.Metrics

	mu         sync.Mutex
	current    Attempt
	cancel     context.CancelFunc
	onResolved ResolvedFunc
	wg         sync.WaitGroup
}

// NewWorkflow creates an idle workflow.
func NewWorkflow(client DecisionAPI, m *metrics.Metrics, logger *zap.Logger) *Workflow {
	return &Workflow{
		logger:  logger.Named("scan"),
		client:  client,
		metrics: m,
		current: Attempt{Phase: PhaseIdle},
	}
}

// OnResolved registers the single resolution callback.
func (w *Workflow) OnResolved(fn ResolvedFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onResolved = fn
}

// Current returns a copy of the live attempt.
func (w *Workflow) Current() Attempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins a fresh attempt with the given decoder. Any unresolved
// attempt is superseded.
func (w *Workflow) Start(ctx context.Context, dec Decoder) Attempt {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if !w.current.Resolved() && w.current.Phase != PhaseIdle {
		w.logger.Info("superseding unresolved attempt",
			zap.String("attempt", w.current.ID),
			zap.String("phase", string(w.current.Phase)))
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	attempt := Attempt{
		ID:      uuid.NewString(),
		Phase:   PhaseCapturing,
		Started: time.Now(),
	}
	w.current = attempt
	w.mu.Unlock()

	w.logger.Debug("scan attempt started", zap.String("attempt", attempt.ID))

	w.wg.Add(1)
	go w.capture(runCtx, attempt.ID, dec)
	return attempt
}

// Reset returns the workflow to idle and stops any active decoder.
func (w *Workflow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.current = Attempt{Phase: PhaseIdle}
}

// Wait blocks until all capture and submission goroutines have returned.
func (w *Workflow) Wait() {
	w.wg.Wait()
}

// capture runs the decoder until one token comes out, then tears the decoder
// down and submits. Decode errors do not end the attempt; capture continues
// until a token or cancellation.
func (w *Workflow) capture(ctx context.Context, id string, dec Decoder) {
	defer w.wg.Done()

	var token string
	for {
		t, err := dec.Decode(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			// the capture device is gone, not a transient misread
			w.resolveDecodeFailure(id, err)
			return
		}
		if err != nil {
			w.logger.Debug("decode failed, still capturing",
				zap.String("attempt", id), zap.Error(err))
			continue
		}
		token = t
		break
	}

	// one token, one submission: the decoder must be dead before the
	// request goes out so a still-visible code cannot fire twice
	w.mu.Lock()
	if w.current.ID != id {
		w.mu.Unlock()
		return
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.current.Token = token
	w.current.Phase = PhaseDecoded
	w.mu.Unlock()

	w.submit(ctx, id, token)
}

// resolveDecodeFailure ends an attempt whose capture device died before a
// token came out.
func (w *Workflow) resolveDecodeFailure(id string, err error) {
	w.mu.Lock()
	if w.current.ID != id {
		w.mu.Unlock()
		return
	}
	w.current.Phase = PhaseResolved
	w.current.Err = err
	resolved := w.current
	fn := w.onResolved
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()

	w.metrics.ObserveScan("error", time.Since(resolved.Started).Seconds())
	w.logger.Warn("capture device closed",
		zap.String("attempt", id), zap.Error(err))
	if fn != nil {
		fn(resolved)
	}
}

// submit issues the single decision request for the attempt. No retry: a
// failed call resolves the attempt with an error outcome and a new scan is
// needed. A response for a superseded attempt is dropped.
func (w *Workflow) submit(ctx context.Context, id, token string) {
	w.mu.Lock()
	if w.current.ID != id {
		w.mu.Unlock()
		return
	}
	w.current.Phase = PhaseSubmitting
	started := w.current.Started
	w.mu.Unlock()

	result, err := w.client.ScanQR(context.WithoutCancel(ctx), token)

	w.mu.Lock()
	if w.current.ID != id {
		w.mu.Unlock()
		w.logger.Info("dropping decision for superseded attempt",
			zap.String("attempt", id),
			zap.Error(errorx.ErrStaleResponse))
		w.metrics.IncStale()
		return
	}
	w.current.Phase = PhaseResolved
	w.current.Decision = result
	w.current.Err = err
	resolved := w.current
	fn := w.onResolved
	w.mu.Unlock()

	w.metrics.ObserveScan(outcome(resolved), time.Since(started).Seconds())
	if err != nil {
		w.logger.Warn("scan submission failed",
			zap.String("attempt", id), zap.Error(err))
	} else {
		w.logger.Info("scan resolved",
			zap.String("attempt", id),
			zap.Bool("access_granted", result.AccessGranted),
			zap.String("denial_reason", result.DenialReason))
	}

	if fn != nil {
		fn(resolved)
	}
}

func outcome(a Attempt) string {
	switch {
	case a.Err != nil:
		return "error"
	case a.Decision != nil && a.Decision.AccessGranted:
		return "granted"
	default:
		return "denied"
	}
}
