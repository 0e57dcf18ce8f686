package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainsync/pkg/chain"
)

func TestRegistry_GetReturnsAddedPipeline(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Get("mainnet"))

	p := newTestPipeline(newFakeQueue(), chain.LightBlock{Hash: "0xg"}, nil, nil)
	r.Add("mainnet", p)

	require.Same(t, p, r.Get("mainnet"))
}

func TestRegistry_KillAllStopsEveryPipeline(t *testing.T) {
	r := NewRegistry()
	p1 := newTestPipeline(newFakeQueue(), chain.LightBlock{Hash: "0xg1"}, nil, nil)
	p2 := newTestPipeline(newFakeQueue(), chain.LightBlock{Hash: "0xg2"}, nil, nil)
	r.Add("a", p1)
	r.Add("b", p2)

	ctx := context.Background()
	done := make(chan error, 2)
	go func() { done <- p1.Run(ctx) }()
	go func() { done <- p2.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	r.KillAll()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("KillAll did not stop a registered pipeline in time")
		}
	}
}

func TestRegistry_RunReturnsWhenAllPipelinesStop(t *testing.T) {
	r := NewRegistry()
	p1 := newTestPipeline(newFakeQueue(), chain.LightBlock{Hash: "0xg1"}, nil, nil)
	p2 := newTestPipeline(newFakeQueue(), chain.LightBlock{Hash: "0xg2"}, nil, nil)
	r.Add("a", p1)
	r.Add("b", p2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Registry.Run did not return after context cancellation")
	}
}
