package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/activitytracker"
	"github.com/quarkrt/quark/internal/codec"
	"github.com/quarkrt/quark/internal/directory"
	"github.com/quarkrt/quark/internal/dispatch"
	"github.com/quarkrt/quark/internal/hashring"
	"github.com/quarkrt/quark/internal/persistence"
	"github.com/quarkrt/quark/internal/quarkerr"
	"github.com/quarkrt/quark/internal/router"
	"github.com/quarkrt/quark/internal/silo"
	"github.com/quarkrt/quark/internal/transport/localtransport"
	"github.com/stretchr/testify/require"
)

// counterActor is the test actor behind the "Counter" dispatcher: a
// per-identity integer that Increment bumps and GetCount reads back.
type counterActor struct {
	mu          sync.Mutex
	count       int
	deactivated bool
}

func (c *counterActor) OnDeactivate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deactivated = true

	return nil
}

type counterDispatcher struct {
	cdc dispatch.Codec
}

func (d *counterDispatcher) NewInstance(actorID string) (dispatch.ActorInstance, error) {
	return &counterActor{}, nil
}

func (d *counterDispatcher) Invoke(_ context.Context, instance dispatch.ActorInstance, methodName string, _ []byte) ([]byte, error) {
	c := instance.(*counterActor)

	switch methodName {
	case "Increment":
		c.mu.Lock()
		c.count++
		c.mu.Unlock()

		return nil, nil

	case "GetCount":
		c.mu.Lock()
		defer c.mu.Unlock()

		return d.cdc.Encode(c.count)

	case "Fail":
		return nil, errors.New("Test error")

	default:
		return nil, fmt.Errorf("unknown method %q", methodName)
	}
}

type harness struct {
	silo  *silo.Silo
	proxy *Proxy
}

// newHarness wires a single co-hosted silo + client over the in-process
// transport bus: memory-backed directory, one-node hash ring, and a
// Counter dispatcher using the gob codec.
func newHarness(t *testing.T) *harness {
	t.Helper()

	cdc := codec.BinaryCodec{}

	reg := dispatch.NewRegistry()
	reg.Register("Counter", &counterDispatcher{cdc: cdc})

	bus := localtransport.NewBus()
	tr := localtransport.New(bus, "s1")

	s := silo.New(silo.Config{
		SiloID:    "s1",
		Dispatch:  reg,
		Activity:  activitytracker.New(),
		Transport: tr,
		MailboxOpt: silo.MailboxOptions{
			DeadLetterMax: 8,
		},
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, s.Stop(ctx))
	})

	ring := hashring.NewHierarchical()
	ring.AddNode(hashring.Node{SiloID: "s1"})

	dir := directory.New(persistence.NewMemoryClusterStore())
	rt := router.New("s1", dir, ring, s.HasActivation)

	return &harness{
		silo: s,
		proxy: New(Config{
			Router:    rt,
			Transport: tr,
			Codec:     cdc,
		}),
	}
}

func TestCounterSequentialIncrements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.proxy.Invoke(ctx, "Counter", "counter-A", "Increment", nil, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, h.proxy.Invoke(ctx, "Counter", "counter-A", "GetCount", nil, &count))
	require.Equal(t, 10, count)
}

func TestErrorPropagatesToClientAndDeadLetterQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.proxy.Invoke(ctx, "Counter", "err-1", "Fail", nil, nil)
	require.Error(t, err)

	var failure *quarkerr.InvocationFailure
	require.True(t, errors.As(err, &failure))
	require.Contains(t, failure.Message, "Test error")
	require.Equal(t, "Counter", failure.ActorType)
	require.Equal(t, "err-1", failure.ActorID)

	a, ok := h.silo.GetActivation("Counter", "err-1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return a.Mailbox.DeadLetters().Len() == 1
	}, time.Second, time.Millisecond)

	letters := a.Mailbox.DeadLetters().GetByActor("err-1")
	require.Len(t, letters, 1)
	require.Contains(t, letters[0].Exception.Error(), "Test error")
}

func TestUnknownActorTypeSurfacesNoDispatcher(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.proxy.Invoke(ctx, "Unknown", "u-1", "Anything", nil, nil)
	require.Error(t, err)

	var failure *quarkerr.InvocationFailure
	require.True(t, errors.As(err, &failure))
	require.Contains(t, failure.Message, quarkerr.ErrNoDispatcher.Error())
}

func TestInvokeActivatesActorOnDemand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.False(t, h.silo.HasActivation("Counter", "lazy-1"))

	require.NoError(t, h.proxy.Invoke(ctx, "Counter", "lazy-1", "Increment", nil, nil))
	require.True(t, h.silo.HasActivation("Counter", "lazy-1"))
}

func TestDeactivateInvokesActorLifecycleHook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.proxy.Invoke(ctx, "Counter", "bye-1", "Increment", nil, nil))

	a, ok := h.silo.GetActivation("Counter", "bye-1")
	require.True(t, ok)

	h.silo.Deactivate(ctx, "Counter", "bye-1")
	require.False(t, h.silo.HasActivation("Counter", "bye-1"))

	inst := a.Instance.(*counterActor)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	require.True(t, inst.deactivated)
}
