// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/classifier"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/registry"
	"github.com/traylinx/modelmux/internal/router"
	"github.com/traylinx/modelmux/internal/transport"
	"github.com/traylinx/modelmux/internal/usage"
)

// memPersist is a minimal in-memory persistence for tests.
type memPersist struct {
	mu       sync.Mutex
	profiles map[string]*authstore.Profile
}

func (m *memPersist) Load(context.Context) ([]*authstore.Profile, error) { return nil, nil }

func (m *memPersist) Save(_ context.Context, p *authstore.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = make(map[string]*authstore.Profile)
	}
	m.profiles[p.ID] = p
	return nil
}

func (m *memPersist) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, id)
	return nil
}

type fixedPolicy time.Duration

func (p fixedPolicy) Duration(string) time.Duration { return time.Duration(p) }

// call identifies one upstream attempt seen by the fake invoker.
type call struct {
	route     router.ModelRoute
	profileID string
}

// fakeInvoker scripts per-profile outcomes and records every call.
// An entry in failures makes the profile fail that many times before the
// outcomes entry (or success) applies.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []call
	outcomes map[string]error // profile id -> persistent error, absent means success
	failures map[string]int   // profile id -> remaining one-shot transient failures
}

func (f *fakeInvoker) Invoke(_ context.Context, route router.ModelRoute, profile *authstore.Profile, _ []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{route: route, profileID: profile.ID})
	if f.failures[profile.ID] > 0 {
		f.failures[profile.ID]--
		return nil, &transport.Error{Kind: transport.KindTransient, StatusCode: 502}
	}
	if err := f.outcomes[profile.ID]; err != nil {
		return nil, err
	}
	return []byte(`{"id":"ok"}`), nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	dispatcher *Dispatcher
	profiles   *authstore.Store
	invoker    *fakeInvoker
	ids        map[string]string // provider/key -> profile id
}

// newFixture builds a dispatcher over two providers with a COMPLEX tier
// served by alpha-large and a beta-medium fallback.
func newFixture(t *testing.T, interleaving string) *fixture {
	t.Helper()

	scorer, err := classifier.NewScorer([]classifier.DimensionRule{
		{ID: "reasoning", Keywords: []string{"prove", "theorem"}, KeywordScore: 40, MaxScore: 100},
		{ID: "code", Keywords: []string{"refactor"}, KeywordScore: 70, MaxScore: 100},
	})
	require.NoError(t, err)

	clf, err := classifier.NewClassifier(nil, map[classifier.Tier]classifier.Boundary{
		classifier.TierSimple:    {Min: 0, Max: 30},
		classifier.TierMedium:    {Min: 30, Max: 60},
		classifier.TierComplex:   {Min: 60, Max: 90},
		classifier.TierReasoning: {Min: 90, Max: 200},
	}, nil)
	require.NoError(t, err)

	reg := registry.New()
	reg.Register("alpha", &registry.ModelInfo{ID: "alpha-large"})
	reg.Register("beta", &registry.ModelInfo{ID: "beta-medium"})
	reg.Register("gamma", &registry.ModelInfo{ID: "gamma-think"})

	routing := config.RoutingConfig{
		TierModels: map[string][]config.ModelRouteRef{
			"SIMPLE":    {{Model: "beta-medium", Provider: "beta"}},
			"MEDIUM":    {{Model: "beta-medium", Provider: "beta"}},
			"COMPLEX":   {{Model: "alpha-large", Provider: "alpha"}, {Model: "beta-medium", Provider: "beta"}},
			"REASONING": {{Model: "gamma-think", Provider: "gamma"}},
		},
	}

	profiles := authstore.NewStore(&memPersist{}, fixedPolicy(time.Minute))
	invoker := &fakeInvoker{outcomes: make(map[string]error), failures: make(map[string]int)}

	dispatcher := New(Options{
		Scorer:       scorer,
		Classifier:   clf,
		Selector:     router.NewSelector(routing, reg),
		Profiles:     profiles,
		Invoker:      invoker,
		Recorder:     usage.NewRecorder(true),
		RequestRetry: 1,
		Interleaving: interleaving,
	})

	return &fixture{dispatcher: dispatcher, profiles: profiles, invoker: invoker, ids: make(map[string]string)}
}

func (f *fixture) addProfile(t *testing.T, provider, key string) string {
	t.Helper()
	id, err := f.profiles.Upsert(context.Background(), &authstore.Profile{Provider: provider, APIKey: key})
	require.NoError(t, err)
	f.ids[provider+"/"+key] = id
	return id
}

// complexRequest hits both reasoning keywords for a total score of 80,
// landing in COMPLEX.
func complexRequest() *classifier.Request {
	return &classifier.Request{Content: "prove this theorem holds"}
}

func TestDispatchFirstAttemptSuccess(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id := f.addProfile(t, "alpha", "sk-a1")
	f.addProfile(t, "beta", "sk-b1")

	result, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, classifier.TierComplex, result.Decision.Scoring.Tier)
	assert.Equal(t, router.ModelRoute{Model: "alpha-large", Provider: "alpha"}, result.Route)
	assert.Equal(t, id, result.ProfileID)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, "success", result.Attempts[0].Reason)

	// Success marks the profile used.
	p := f.profiles.Get(id)
	assert.Equal(t, int64(1), p.Stats.RequestCount)
	assert.Zero(t, p.Stats.ErrorCount)
}

func TestDispatchFailsOverToNextProfile(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id1 := f.addProfile(t, "alpha", "sk-a1")
	id2 := f.addProfile(t, "alpha", "sk-a2")

	// Mark id2 used so LRU deterministically picks the never-used id1 first.
	f.profiles.MarkUsed(context.Background(), id2, "warmup")
	f.invoker.outcomes[id1] = &transport.Error{Kind: transport.KindRateLimit, StatusCode: 429}

	result, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "alpha", result.Route.Provider)
	assert.Equal(t, id2, result.ProfileID)

	// The rate-limited profile is cooling down.
	assert.Equal(t, authstore.StateCooldown, f.profiles.Get(id1).Stats.State)
}

func TestDispatchFailsOverToFallbackRoute(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id1 := f.addProfile(t, "alpha", "sk-a1")
	id2 := f.addProfile(t, "beta", "sk-b1")

	f.invoker.outcomes[id1] = &transport.Error{Kind: transport.KindQuota, StatusCode: 402}

	result, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, router.ModelRoute{Model: "beta-medium", Provider: "beta"}, result.Route)
	assert.Equal(t, id2, result.ProfileID)

	// Attempt history shows the failed alpha attempt before beta.
	require.GreaterOrEqual(t, len(result.Attempts), 2)
	assert.Equal(t, "alpha", result.Attempts[0].Route.Provider)
	assert.Equal(t, string(transport.KindQuota), result.Attempts[0].Reason)
}

func TestDispatchChainExhausted(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id1 := f.addProfile(t, "alpha", "sk-a1")
	id2 := f.addProfile(t, "beta", "sk-b1")

	f.invoker.outcomes[id1] = &transport.Error{Kind: transport.KindRateLimit, StatusCode: 429}
	f.invoker.outcomes[id2] = &transport.Error{Kind: transport.KindAuth, StatusCode: 401}

	_, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	require.Error(t, err)

	var chainErr *ChainExhaustedError
	require.ErrorAs(t, err, &chainErr)
	// Full attempt history: both provider failures plus the skips after
	// each route ran out of eligible profiles.
	var failed, skipped int
	for _, a := range chainErr.Attempts {
		if a.Skipped {
			skipped++
		} else {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 2, skipped)
}

func TestDispatchNoProfilesAtAll(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)

	_, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	var chainErr *ChainExhaustedError
	require.ErrorAs(t, err, &chainErr)
	for _, a := range chainErr.Attempts {
		assert.True(t, a.Skipped)
		assert.Equal(t, "no eligible profile", a.Reason)
	}
	assert.Zero(t, f.invoker.callCount(), "no upstream call without an eligible profile")
}

func TestDispatchRetriesTransientOnSameProfile(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id := f.addProfile(t, "alpha", "sk-a1")
	f.addProfile(t, "beta", "sk-b1")

	// Fail transiently once, then succeed on the bounded retry.
	f.invoker.failures[id] = 1

	result, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, id, result.ProfileID, "transient failure is retried on the same profile")
	assert.Equal(t, 2, f.invoker.callCount())

	// Success after retry leaves no error count behind.
	assert.Zero(t, f.profiles.Get(id).Stats.ErrorCount)
}

func TestDispatchTransientRetriesBounded(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id := f.addProfile(t, "alpha", "sk-a1")
	idB := f.addProfile(t, "beta", "sk-b1")

	// More consecutive transient failures than the retry budget (1): the
	// profile gets a model-scoped cooldown and dispatch moves on.
	f.invoker.failures[id] = 10

	result, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, idB, result.ProfileID)

	p := f.profiles.Get(id)
	require.NotNil(t, p)
	assert.Contains(t, p.Stats.ModelCooldowns, "alpha-large")
}

func TestDispatchInvalidRequestDoesNotFailOver(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id := f.addProfile(t, "alpha", "sk-a1")
	f.addProfile(t, "beta", "sk-b1")

	f.invoker.outcomes[id] = &transport.Error{Kind: transport.KindInvalid, StatusCode: 400, Message: "bad request"}

	_, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 1, f.invoker.callCount(), "caller errors must not fail over")

	// The profile is not penalized for a malformed request.
	assert.Equal(t, authstore.StateActive, f.profiles.Get(id).Stats.State)
}

func TestDispatchRotateInterleaving(t *testing.T) {
	f := newFixture(t, config.InterleaveRotate)
	idA1 := f.addProfile(t, "alpha", "sk-a1")
	idA2 := f.addProfile(t, "alpha", "sk-a2")
	idB1 := f.addProfile(t, "beta", "sk-b1")

	// Mark idA2 used so LRU deterministically tries idA1 first.
	f.profiles.MarkUsed(context.Background(), idA2, "warmup")
	f.invoker.outcomes[idA1] = &transport.Error{Kind: transport.KindRateLimit}
	f.invoker.outcomes[idB1] = &transport.Error{Kind: transport.KindRateLimit}

	result, err := f.dispatcher.Dispatch(context.Background(), complexRequest(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, idA2, result.ProfileID)

	// Rotate tries one profile per route before circling back: alpha's
	// first profile, then beta's, then alpha's second.
	require.GreaterOrEqual(t, len(f.invoker.calls), 3)
	assert.Equal(t, idA1, f.invoker.calls[0].profileID)
	assert.Equal(t, idB1, f.invoker.calls[1].profileID)
	assert.Equal(t, idA2, f.invoker.calls[2].profileID)
}

func TestDispatchModelOverrideBypassesTiers(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	id := f.addProfile(t, "gamma", "sk-g1")

	req := &classifier.Request{Content: "hi", ModelOverride: "gamma-think"}
	result, err := f.dispatcher.Dispatch(context.Background(), req, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "gamma-think", result.Route.Model)
	assert.Equal(t, id, result.ProfileID)
	assert.Empty(t, result.Decision.FallbackChain)
}

func TestDispatchCanceledContext(t *testing.T) {
	f := newFixture(t, config.InterleaveExhaust)
	f.addProfile(t, "alpha", "sk-a1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.dispatcher.Dispatch(ctx, complexRequest(), []byte(`{}`))
	require.Error(t, err)
}
