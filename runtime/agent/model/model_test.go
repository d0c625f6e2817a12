package model_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/model/modeltest"
)

func TestCollectAggregatesStream(t *testing.T) {
	c := modeltest.New(modeltest.Reply{Reasoning: "think", Tokens: []string{"He", "llo"}})
	var seen []model.Chunk
	resp, err := model.Collect(context.Background(), c, &model.Request{}, func(ch model.Chunk) error {
		seen = append(seen, ch)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", resp.Text)
	require.Equal(t, "think", resp.Reasoning)
	require.Equal(t, "stop", resp.StopReason)
	require.Len(t, seen, 3)
	require.Equal(t, model.ChunkTypeThinking, seen[0].Type)
}

func TestCollectFallsBackToComplete(t *testing.T) {
	c := modeltest.New(modeltest.Text("a", "b")).WithoutStreaming()
	var texts []string
	resp, err := model.Collect(context.Background(), c, &model.Request{}, func(ch model.Chunk) error {
		texts = append(texts, ch.Text)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "ab", resp.Text)
	require.Equal(t, []string{"ab"}, texts)
}

func TestCollectWrapsClientErrors(t *testing.T) {
	boom := errors.New("boom")
	c := modeltest.New(modeltest.Reply{Err: boom})
	_, err := model.Collect(context.Background(), c, &model.Request{}, nil)
	require.ErrorIs(t, err, model.ErrOracle)
	require.ErrorIs(t, err, boom)
}

func TestCollectReturnsCallbackError(t *testing.T) {
	stop := errors.New("stop")
	c := modeltest.New(modeltest.Text("a", "b"))
	_, err := model.Collect(context.Background(), c, &model.Request{}, func(model.Chunk) error { return stop })
	require.ErrorIs(t, err, stop)
	require.NotErrorIs(t, err, model.ErrOracle)
}

func TestRegistryBuildsOncePerStrength(t *testing.T) {
	var builds atomic.Int32
	reg := model.NewRegistry(map[model.Strength]model.Factory{
		model.StrengthBasic: func(context.Context) (model.Client, error) {
			builds.Add(1)
			return modeltest.New(), nil
		},
	})

	var wg sync.WaitGroup
	clients := make([]model.Client, 16)
	errs := make([]error, len(clients))
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i], errs[i] = reg.Client(context.Background(), model.StrengthBasic)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), builds.Load())
	for _, c := range clients {
		require.Same(t, clients[0], c)
	}
}

func TestRegistryUnknownStrength(t *testing.T) {
	reg := model.NewRegistry(nil)
	_, err := reg.Client(context.Background(), model.StrengthVision)
	require.ErrorIs(t, err, model.ErrUnknownStrength)
	require.False(t, reg.Has(model.StrengthVision))
}

func TestRegistryFactoryErrorIsNotCached(t *testing.T) {
	calls := 0
	reg := model.NewRegistry(map[model.Strength]model.Factory{
		model.StrengthReasoning: func(context.Context) (model.Client, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("no key")
			}
			return modeltest.New(), nil
		},
	})
	_, err := reg.Client(context.Background(), model.StrengthReasoning)
	require.Error(t, err)
	_, err = reg.Client(context.Background(), model.StrengthReasoning)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestLazyClientResolvesOnCall(t *testing.T) {
	built := false
	reg := model.NewRegistry(map[model.Strength]model.Factory{
		model.StrengthBasic: func(context.Context) (model.Client, error) {
			built = true
			return modeltest.New(modeltest.Text("ok")), nil
		},
	})
	lazy := reg.Lazy(model.StrengthBasic)
	require.False(t, built)
	resp, err := lazy.Complete(context.Background(), &model.Request{})
	require.NoError(t, err)
	require.True(t, built)
	require.Equal(t, "ok", resp.Text)
}
