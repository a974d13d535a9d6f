// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatch orchestrates one request end to end: classify, select
// routes, pick credentials, invoke the provider, and fail over along the
// fallback chain until a response arrives or the chain is exhausted.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/classifier"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/events"
	"github.com/traylinx/modelmux/internal/router"
	"github.com/traylinx/modelmux/internal/transport"
	"github.com/traylinx/modelmux/internal/usage"
)

// Attempt records one step of a dispatch for diagnostics. Skipped attempts
// are routes passed over without an upstream call because no profile was
// eligible.
type Attempt struct {
	Route     router.ModelRoute `json:"route"`
	ProfileID string            `json:"profile_id,omitempty"`
	Reason    string            `json:"reason"`
	Err       string            `json:"error,omitempty"`
	Skipped   bool              `json:"skipped"`

	// terminal marks a caller error that must not fail over.
	terminal bool
}

// RequestError is returned when the upstream rejected the request itself;
// retrying with other credentials or routes would not change the outcome.
type RequestError struct {
	Attempts []Attempt
	Message  string
}

func (e *RequestError) Error() string {
	return "request rejected: " + e.Message
}

// ChainExhaustedError is the terminal failure returned when every route in
// the decision's chain has been tried or skipped. It carries the full
// attempt history so operators can see exactly what was tried.
type ChainExhaustedError struct {
	Decision *router.RoutingDecision
	Attempts []Attempt
}

func (e *ChainExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d routes exhausted", len(e.Decision.Routes()))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s", a.Route)
		if a.ProfileID != "" {
			fmt.Fprintf(&b, "[%s]", shortID(a.ProfileID))
		}
		fmt.Fprintf(&b, ": %s", a.Reason)
	}
	return b.String()
}

// Result is a successful dispatch outcome.
type Result struct {
	Decision  *router.RoutingDecision
	Route     router.ModelRoute
	ProfileID string
	Body      []byte
	Attempts  []Attempt
}

// Dispatcher ties the classifier, selector, profile store, and transport
// together. It is safe for concurrent use; per-profile state lives in the
// profile store, and the routing pipeline is swapped wholesale on config
// reload.
type Dispatcher struct {
	mu   sync.RWMutex
	pipe pipeline

	profiles *authstore.Store
	invoker  transport.Invoker
	recorder *usage.Recorder
	bus      *events.Bus
}

// pipeline is the reloadable routing portion of the dispatcher.
type pipeline struct {
	scorer     *classifier.Scorer
	classifier *classifier.Classifier
	selector   *router.Selector

	// retries bounds same-profile retries of transient failures.
	retries int
	// attemptTimeout bounds each upstream attempt.
	attemptTimeout time.Duration
	// interleaving is config.InterleaveExhaust or config.InterleaveRotate.
	interleaving string
}

// Options carries the constructor dependencies for a Dispatcher.
type Options struct {
	Scorer     *classifier.Scorer
	Classifier *classifier.Classifier
	Selector   *router.Selector
	Profiles   *authstore.Store
	Invoker    transport.Invoker
	Recorder   *usage.Recorder
	Bus        *events.Bus

	RequestRetry   int
	AttemptTimeout time.Duration
	Interleaving   string
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		pipe:     newPipeline(opts),
		profiles: opts.Profiles,
		invoker:  opts.Invoker,
		recorder: opts.Recorder,
		bus:      opts.Bus,
	}
}

func newPipeline(opts Options) pipeline {
	p := pipeline{
		scorer:         opts.Scorer,
		classifier:     opts.Classifier,
		selector:       opts.Selector,
		retries:        opts.RequestRetry,
		attemptTimeout: opts.AttemptTimeout,
		interleaving:   opts.Interleaving,
	}
	if p.retries < 0 {
		p.retries = 0
	}
	if p.interleaving == "" {
		p.interleaving = config.InterleaveExhaust
	}
	return p
}

// Reload swaps the routing pipeline after a configuration reload. In-flight
// requests finish on the pipeline they started with. A non-nil Invoker in
// opts replaces the transport as well, picking up provider URL changes.
func (d *Dispatcher) Reload(opts Options) {
	pipe := newPipeline(opts)
	d.mu.Lock()
	d.pipe = pipe
	if opts.Invoker != nil {
		d.invoker = opts.Invoker
	}
	d.mu.Unlock()
}

func (d *Dispatcher) pipeline() pipeline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pipe
}

// Classify scores and classifies a request without dispatching it.
func (d *Dispatcher) Classify(req *classifier.Request) classifier.ScoringResult {
	pipe := d.pipeline()
	return pipe.classifier.Classify(pipe.scorer.Score(req))
}

// Route produces the routing decision for a request without dispatching it.
// It backs the management dry-run endpoint.
func (d *Dispatcher) Route(req *classifier.Request) (*router.RoutingDecision, error) {
	pipe := d.pipeline()
	return pipe.selector.Select(pipe.classifier.Classify(pipe.scorer.Score(req)), req.ModelOverride)
}

// Dispatch runs the full pipeline for one request. The payload is the
// upstream request body; its model field is rewritten per attempt. On
// success the first working route's response is returned together with the
// attempt history; when every route fails the error is a
// *ChainExhaustedError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *classifier.Request, payload []byte) (*Result, error) {
	start := time.Now()
	d.publish(&events.Event{Type: events.TypeRequestReceived, Timestamp: start})

	decision, err := d.Route(req)
	if err != nil {
		return nil, err
	}
	d.publish(&events.Event{
		Type:      events.TypeRoutingDecision,
		Timestamp: time.Now(),
		Provider:  decision.SelectedProvider,
		Model:     decision.SelectedModel,
		Data:      map[string]interface{}{"reason": decision.Reason, "tier": decision.Scoring.Tier.String()},
	})
	log.WithFields(log.Fields{
		"tier":      decision.Scoring.Tier,
		"score":     decision.Scoring.TotalScore,
		"primary":   decision.Primary().String(),
		"fallbacks": len(decision.FallbackChain),
	}).Debug("routing decision")

	var result *Result
	pipe := d.pipeline()
	if pipe.interleaving == config.InterleaveRotate {
		result, err = d.dispatchRotate(ctx, pipe, decision, payload)
	} else {
		result, err = d.dispatchExhaust(ctx, pipe, decision, payload)
	}

	d.record(decision, result, start)
	return result, err
}

// dispatchExhaust drains every eligible profile of each route before
// advancing to the next route in the chain.
func (d *Dispatcher) dispatchExhaust(ctx context.Context, pipe pipeline, decision *router.RoutingDecision, payload []byte) (*Result, error) {
	var attempts []Attempt
	for _, route := range decision.Routes() {
		tried := make(map[string]struct{})
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			profile := d.profiles.PickNext(route.Provider, route.Model)
			if profile == nil {
				attempts = append(attempts, d.skip(route, len(tried)))
				break
			}
			if _, seen := tried[profile.ID]; seen {
				// The store handed back a profile we already failed in this
				// pass; its cooldown has not taken effect, bail to the next
				// route rather than spin.
				attempts = append(attempts, d.skip(route, len(tried)))
				break
			}
			tried[profile.ID] = struct{}{}

			attempt, body := d.tryProfile(ctx, pipe, route, profile, payload)
			attempts = append(attempts, attempt)
			if body != nil {
				return &Result{Decision: decision, Route: route, ProfileID: profile.ID, Body: body, Attempts: attempts}, nil
			}
			if attempt.terminal {
				return nil, &RequestError{Attempts: attempts, Message: attempt.Err}
			}
		}
	}
	return nil, &ChainExhaustedError{Decision: decision, Attempts: attempts}
}

// dispatchRotate tries one profile per route and circles back over the
// chain until no route yields an untried eligible profile.
func (d *Dispatcher) dispatchRotate(ctx context.Context, pipe pipeline, decision *router.RoutingDecision, payload []byte) (*Result, error) {
	var attempts []Attempt
	routes := decision.Routes()
	tried := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progressed := false
		for _, route := range routes {
			profile := d.profiles.PickNext(route.Provider, route.Model)
			if profile == nil {
				continue
			}
			key := route.String() + "/" + profile.ID
			if _, seen := tried[key]; seen {
				continue
			}
			tried[key] = struct{}{}
			progressed = true

			attempt, body := d.tryProfile(ctx, pipe, route, profile, payload)
			attempts = append(attempts, attempt)
			if body != nil {
				return &Result{Decision: decision, Route: route, ProfileID: profile.ID, Body: body, Attempts: attempts}, nil
			}
			if attempt.terminal {
				return nil, &RequestError{Attempts: attempts, Message: attempt.Err}
			}
		}
		if !progressed {
			break
		}
	}
	for _, route := range routes {
		attempts = append(attempts, d.skip(route, 0))
	}
	return nil, &ChainExhaustedError{Decision: decision, Attempts: attempts}
}

// tryProfile invokes one route with one profile, retrying transient
// failures on the same profile up to the configured bound. A nil body
// means the attempt failed and the profile was marked accordingly.
func (d *Dispatcher) tryProfile(ctx context.Context, pipe pipeline, route router.ModelRoute, profile *authstore.Profile, payload []byte) (Attempt, []byte) {
	var lastErr *transport.Error
	for try := 0; ; try++ {
		body, err := d.invoke(ctx, pipe, route, profile, payload)
		if err == nil {
			d.profiles.MarkUsed(ctx, profile.ID, route.Model)
			return Attempt{Route: route, ProfileID: profile.ID, Reason: "success"}, body
		}

		terr := transport.AsError(err)
		lastErr = terr
		if terr.RetryableSameProfile() && try < pipe.retries {
			log.WithFields(log.Fields{
				"route":   route.String(),
				"profile": shortID(profile.ID),
				"kind":    terr.Kind,
				"try":     try + 1,
			}).Debug("retrying on same profile")
			continue
		}
		break
	}

	reason, scope := failureDisposition(lastErr.Kind)
	if lastErr.Kind == transport.KindInvalid {
		// Caller error: no cooldown, no failover.
		return Attempt{Route: route, ProfileID: profile.ID, Reason: "invalid request", Err: lastErr.Message, terminal: true}, nil
	}

	d.profiles.MarkFailure(ctx, profile.ID, reason, scope, route.Model)
	d.publish(&events.Event{
		Type:      events.TypeProviderUnavailable,
		Timestamp: time.Now(),
		Provider:  route.Provider,
		Model:     route.Model,
		ProfileID: profile.ID,
		Data:      map[string]interface{}{"kind": string(lastErr.Kind)},
	})
	log.WithFields(log.Fields{
		"route":   route.String(),
		"profile": shortID(profile.ID),
		"kind":    lastErr.Kind,
		"status":  lastErr.StatusCode,
	}).Warn("attempt failed")
	return Attempt{Route: route, ProfileID: profile.ID, Reason: string(lastErr.Kind), Err: lastErr.Message}, nil
}

func (d *Dispatcher) invoke(ctx context.Context, pipe pipeline, route router.ModelRoute, profile *authstore.Profile, payload []byte) ([]byte, error) {
	if pipe.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pipe.attemptTimeout)
		defer cancel()
	}
	d.mu.RLock()
	invoker := d.invoker
	d.mu.RUnlock()
	return invoker.Invoke(ctx, route, profile, payload)
}

func (d *Dispatcher) skip(route router.ModelRoute, triedCount int) Attempt {
	reason := "no eligible profile"
	if triedCount > 0 {
		reason = fmt.Sprintf("profiles exhausted after %d attempt(s)", triedCount)
	}
	d.publish(&events.Event{
		Type:      events.TypeProviderUnavailable,
		Timestamp: time.Now(),
		Provider:  route.Provider,
		Model:     route.Model,
		Data:      map[string]interface{}{"reason": reason},
	})
	return Attempt{Route: route, Reason: reason, Skipped: true}
}

func (d *Dispatcher) record(decision *router.RoutingDecision, result *Result, start time.Time) {
	rec := usage.Record{
		Tier:       decision.Scoring.Tier.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	completed := &events.Event{Type: events.TypeRequestCompleted, Timestamp: time.Now()}
	if result != nil {
		rec.Success = true
		rec.Model = result.Route.Model
		rec.Provider = result.Route.Provider
		rec.ProfileID = result.ProfileID
		rec.Fallbacks = fallbackDepth(decision, result.Route)
		completed.Provider = result.Route.Provider
		completed.Model = result.Route.Model
		completed.ProfileID = result.ProfileID
	} else {
		rec.Model = decision.SelectedModel
		rec.Provider = decision.SelectedProvider
		rec.Fallbacks = len(decision.FallbackChain)
	}
	completed.Data = map[string]interface{}{"success": rec.Success, "duration_ms": rec.DurationMs}

	if d.recorder != nil {
		d.recorder.RecordRequest(rec)
	}
	d.publish(completed)
}

func (d *Dispatcher) publish(event *events.Event) {
	if d.bus != nil {
		d.bus.PublishAsync(event)
	}
}

// failureDisposition maps a transport failure kind to the cooldown reason
// and scope. Credential-level failures cool the whole profile down;
// transient upstream trouble only cools the failing model so the profile
// stays usable for the provider's other models.
func failureDisposition(kind transport.FailureKind) (authstore.FailureReason, authstore.FailureScope) {
	switch kind {
	case transport.KindRateLimit:
		return authstore.ReasonRateLimit, authstore.ScopeProvider
	case transport.KindQuota:
		return authstore.ReasonQuota, authstore.ScopeProvider
	case transport.KindAuth:
		return authstore.ReasonAuth, authstore.ScopeProvider
	case transport.KindTimeout:
		return authstore.ReasonTimeout, authstore.ScopeModel
	default:
		return authstore.ReasonTransient, authstore.ScopeModel
	}
}

// fallbackDepth counts how far down the chain the winning route sat.
func fallbackDepth(decision *router.RoutingDecision, winner router.ModelRoute) int {
	for i, route := range decision.Routes() {
		if route == winner {
			return i
		}
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
