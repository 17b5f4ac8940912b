package inbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

// Receipt describes an accepted delivery.
type Receipt struct {
	Provider  core.Provider
	EventID   string
	EventType string
	Duplicate bool
}

// Receiver verifies deliveries per provider and enqueues the raw body.
type Receiver struct {
	Queue   core.EventQueue
	Guard   *DuplicateGuard
	Logger  core.Logger
	Metrics core.MetricsRecorder

	mu        sync.RWMutex
	verifiers map[core.Provider]Verifier
}

func NewReceiver(queue core.EventQueue) *Receiver {
	return &Receiver{
		Queue:     queue,
		verifiers: map[core.Provider]Verifier{},
	}
}

func (r *Receiver) Register(provider core.Provider, verifier Verifier) error {
	if r == nil {
		return notConfigured("receiver")
	}
	if !provider.Valid() {
		return badInput(fmt.Sprintf("inbound: unsupported provider %q", provider), providerMeta(provider))
	}
	if verifier == nil {
		return badInput("inbound: verifier is nil", providerMeta(provider))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verifiers == nil {
		r.verifiers = map[core.Provider]Verifier{}
	}
	if _, exists := r.verifiers[provider]; exists {
		return errVerifierExists(provider)
	}
	r.verifiers[provider] = verifier
	return nil
}

func (r *Receiver) Providers() []core.Provider {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Provider, 0, len(r.verifiers))
	for _, provider := range []core.Provider{core.ProviderStripe, core.ProviderPayPal} {
		if _, ok := r.verifiers[provider]; ok {
			out = append(out, provider)
		}
	}
	return out
}

// Receive verifies req, checks the payload belongs to req.Provider and
// enqueues it unchanged.
func (r *Receiver) Receive(ctx context.Context, req Request) (receipt Receipt, err error) {
	if r == nil || r.Queue == nil {
		return Receipt{}, notConfigured("receiver queue")
	}
	startedAt := time.Now()
	defer func() {
		core.Observe(ctx, r.Metrics, "webhook_receive", startedAt, err, map[string]string{"provider": string(req.Provider)})
	}()

	r.mu.RLock()
	verifier := r.verifiers[req.Provider]
	r.mu.RUnlock()
	if verifier == nil {
		return Receipt{}, errNoVerifier(req.Provider)
	}
	if err := verifier.Verify(ctx, req); err != nil {
		core.Log(ctx, r.Logger, core.LevelWarn, "webhook signature rejected", map[string]any{
			"provider": string(req.Provider),
			"error":    err.Error(),
		})
		return Receipt{}, errSignatureRejected(err, req.Provider)
	}

	event, err := core.ParseQueuedEvent(req.Body)
	if err != nil {
		return Receipt{}, err
	}
	if event.Provider != req.Provider {
		return Receipt{}, errProviderMismatch(event, req.Provider)
	}
	receipt = Receipt{Provider: event.Provider, EventID: event.EventID, EventType: event.EventType}
	fields := core.EventFields(event)

	guardKey := string(event.Provider) + ":" + event.EventID
	if !r.Guard.Allow(guardKey) {
		receipt.Duplicate = true
		core.Log(ctx, r.Logger, core.LevelDebug, "webhook delivery coalesced", fields)
		return receipt, nil
	}
	if err := r.Queue.Enqueue(ctx, event.RawPayload); err != nil {
		r.Guard.Forget(guardKey)
		fields["error"] = err.Error()
		core.Log(ctx, r.Logger, core.LevelError, "webhook enqueue failed", fields)
		return Receipt{}, err
	}
	core.Log(ctx, r.Logger, core.LevelInfo, "webhook enqueued", fields)
	return receipt, nil
}
