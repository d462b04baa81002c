package routing

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/table"
)

var testHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelDebug,
	AddSource: true,
})

type MockRouter struct {
	m mock.Mock
}

func (r *MockRouter) RouteFrame(ctx context.Context, mf *frame.MultiFrame, origin *EndpointTableEntry) error {
	args := r.m.Called(ctx, mf, origin)
	return args.Error(0)
}

type fakeEndpoint struct {
	entry    *EndpointTableEntry
	started  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	exitErr  error

	lk   sync.Mutex
	sent []*frame.MultiFrame
}

func newFakeEndpoint(entry *EndpointTableEntry) *fakeEndpoint {
	return &fakeEndpoint{
		entry:   entry,
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

func (f *fakeEndpoint) Run(ctx context.Context) error {
	close(f.started)
	select {
	case <-ctx.Done():
	case <-f.stopCh:
	}
	return f.exitErr
}

func (f *fakeEndpoint) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

func (f *fakeEndpoint) SendMultiFrame(_ context.Context, mf *frame.MultiFrame) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.sent = append(f.sent, mf)
	return nil
}

func (f *fakeEndpoint) Sent() []*frame.MultiFrame {
	f.lk.Lock()
	defer f.lk.Unlock()
	return append([]*frame.MultiFrame(nil), f.sent...)
}

func counterSum(t *testing.T, sink *metrics.InmemSink, name string, label metrics.Label) float64 {
	t.Helper()
	var sum float64
	for _, intv := range sink.Data() {
		intv.RLock()
		for _, v := range intv.Counters {
			if v.Name != name {
				continue
			}
			for _, l := range v.Labels {
				if l == label {
					sum += v.Sum
				}
			}
		}
		intv.RUnlock()
	}
	return sum
}

func routed(keys ...int32) *frame.MultiFrame {
	mf := frame.NewMultiFrame()
	protocol.SetRoutingPath(mf, protocol.RoutingPath, keys...)
	mf.GetOrCreate(0).Append([]byte("payload"))
	return mf
}

func TestRoutingTable_ConsumesKey(t *testing.T) {
	a := &MockRouter{}
	rt := NewRoutingTable(WithLog(testHandler))
	require.NoError(t, rt.RegisterReserved(5, a))

	mf := routed(5)
	a.m.On("RouteFrame", mock.Anything, mf, (*EndpointTableEntry)(nil)).
		Run(func(args mock.Arguments) {
			got := args.Get(1).(*frame.MultiFrame)
			path, ok := got.TryGet(int16(protocol.RoutingPath))
			require.True(t, ok)
			require.True(t, path.IsEmpty(), "routing key must be consumed")
		}).
		Return(nil).Once()

	require.NoError(t, rt.RouteFrame(context.Background(), mf, nil))
	a.m.AssertExpectations(t)
}

func TestRoutingTable_Drops(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	a := &MockRouter{}
	rt := NewRoutingTable(WithLog(testHandler), WithMetricSink(sink), WithName("rt"))
	key, err := rt.Register(a)
	require.NoError(t, err)
	require.Equal(t, int32(protocol.DefaultReservedCount), key)

	ctx := context.Background()
	require.NoError(t, rt.RouteFrame(ctx, frame.NewMultiFrame(), nil))
	require.NoError(t, rt.RouteFrame(ctx, routed(), nil))
	require.NoError(t, rt.RouteFrame(ctx, routed(key+1), nil))

	malformed := frame.NewMultiFrame()
	malformed.GetOrCreate(int16(protocol.RoutingPath)).Append([]byte{1})
	require.ErrorIs(t, rt.RouteFrame(ctx, malformed, nil), protocol.ErrMalformedSection)

	a.m.AssertNotCalled(t, "RouteFrame", mock.Anything, mock.Anything, mock.Anything)
	require.Equal(t, 2.0, counterSum(t, sink, "tainin.route.dropped.count", metrics.Label{Name: "reason", Value: reasonNoRoute}))
	require.Equal(t, 1.0, counterSum(t, sink, "tainin.route.dropped.count", metrics.Label{Name: "reason", Value: reasonUnknownKey}))
	require.Equal(t, 1.0, counterSum(t, sink, "tainin.route.dropped.count", metrics.Label{Name: "reason", Value: reasonMalformed}))

	require.True(t, rt.Unregister(key))
	require.False(t, rt.Unregister(key))
}

func TestRoutingTable_ForwardsError(t *testing.T) {
	boom := errors.New("boom")
	a := &MockRouter{}
	a.m.On("RouteFrame", mock.Anything, mock.Anything, mock.Anything).Return(boom)

	rt := NewRoutingTable(WithLog(testHandler))
	require.NoError(t, rt.RegisterReserved(1, a))
	require.ErrorIs(t, rt.RouteFrame(context.Background(), routed(1), nil), boom)
}

func TestNamedRoutingTable_NameFallback(t *testing.T) {
	echo := &MockRouter{}
	rt := NewNamedRoutingTable(WithLog(testHandler))
	key, err := rt.Register("echo", echo)
	require.NoError(t, err)

	byKey := routed(key)
	byName := routed()
	protocol.SetNamePath(byName, protocol.NamePath, "echo")
	unknown := routed()
	protocol.SetNamePath(unknown, protocol.NamePath, "nope")

	echo.m.On("RouteFrame", mock.Anything, byKey, mock.Anything).Return(nil).Once()
	echo.m.On("RouteFrame", mock.Anything, byName, mock.Anything).Return(nil).Once()

	ctx := context.Background()
	require.NoError(t, rt.RouteFrame(ctx, byKey, nil))
	require.NoError(t, rt.RouteFrame(ctx, byName, nil))
	require.NoError(t, rt.RouteFrame(ctx, unknown, nil))
	echo.m.AssertExpectations(t)

	got, ok := rt.KeyOf("echo")
	require.True(t, ok)
	require.Equal(t, key, got)
	require.True(t, rt.UnregisterName("echo"))
	_, ok = rt.KeyOf("echo")
	require.False(t, ok)
}

func TestEndpointTableEntry_ReturnPath(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	up := &MockRouter{}
	var ep *fakeEndpoint
	entry := NewEndpointTableEntry(7, func(e *EndpointTableEntry) NetworkEndpoint {
		ep = newFakeEndpoint(e)
		return ep
	}, up, WithLog(testHandler), WithMetricSink(sink), WithReturnPrefix(protocol.EndpointTableRoute))
	require.Same(t, entry, ep.entry)
	require.Same(t, ep, entry.Endpoint())
	require.Equal(t, int32(7), entry.Key())

	mf := routed(3)
	protocol.SetRoutingPath(mf, protocol.ReturnPath, protocol.CallResponseRoute)
	noReturn := routed(3)

	up.m.On("RouteFrame", mock.Anything, mf, entry).Return(errors.New("downstream failure")).Once()
	up.m.On("RouteFrame", mock.Anything, noReturn, entry).Return(nil).Once()

	require.NoError(t, entry.ReceiveFrame(context.Background(), mf), "upstream errors are swallowed")
	require.NoError(t, entry.ReceiveFrame(context.Background(), noReturn))
	up.m.AssertExpectations(t)

	keys, err := protocol.RoutingKeys(mf, protocol.ReturnPath)
	require.NoError(t, err)
	require.Equal(t, []int32{protocol.EndpointTableRoute, 7, protocol.CallResponseRoute}, keys)
	require.False(t, noReturn.Contains(int16(protocol.ReturnPath)))

	require.Equal(t, 1.0, counterSum(t, sink, "tainin.route.error.count", metrics.Label{Name: "router", Value: "endpoint_entry"}))
}

func TestEndpointTable_Lifecycle(t *testing.T) {
	up := &MockRouter{}
	et := NewEndpointTable(WithLog(testHandler))

	var ep *fakeEndpoint
	entry, err := et.Add(func(e *EndpointTableEntry) NetworkEndpoint {
		ep = newFakeEndpoint(e)
		return ep
	}, up)
	require.NoError(t, err)
	require.Same(t, up, entry.Router())

	select {
	case <-ep.started:
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint was not started on add")
	}

	mf := routed(entry.Key(), 42)
	require.NoError(t, et.RouteFrame(context.Background(), mf, nil))
	sent := ep.Sent()
	require.Len(t, sent, 1)
	keys, err := protocol.RoutingKeys(sent[0], protocol.RoutingPath)
	require.NoError(t, err)
	require.Equal(t, []int32{42}, keys, "the rest of the route travels with the frame")

	require.True(t, et.Remove(entry.Key()))
	select {
	case <-entry.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint was not stopped on remove")
	}
	require.NoError(t, entry.Err())
}

func TestEndpointTable_PrunesExitedEndpoints(t *testing.T) {
	et := NewEndpointTable(WithLog(testHandler))
	var ep *fakeEndpoint
	entry, err := et.Add(func(e *EndpointTableEntry) NetworkEndpoint {
		ep = newFakeEndpoint(e)
		ep.exitErr = errors.New("peer vanished")
		return ep
	}, &MockRouter{})
	require.NoError(t, err)
	require.Equal(t, 1, et.Len())

	<-ep.started
	ep.Stop()
	<-entry.Done()
	require.EqualError(t, entry.Err(), "peer vanished")
	require.Eventually(t, func() bool { return et.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	et.Close()
	_, err = et.Add(func(e *EndpointTableEntry) NetworkEndpoint { return newFakeEndpoint(e) }, &MockRouter{})
	require.ErrorIs(t, err, ErrEntryStopped)
}

func TestNamedEndpointTable_ByName(t *testing.T) {
	et := NewNamedEndpointTable(WithLog(testHandler))
	eps := map[string]*fakeEndpoint{}
	for _, name := range []string{"peer-a", "peer-b"} {
		_, err := et.Add(name, func(e *EndpointTableEntry) NetworkEndpoint {
			eps[name] = newFakeEndpoint(e)
			return eps[name]
		}, &MockRouter{})
		require.NoError(t, err)
	}

	_, err := et.Add("peer-a", func(e *EndpointTableEntry) NetworkEndpoint { return newFakeEndpoint(e) }, &MockRouter{})
	require.ErrorIs(t, err, table.ErrNameTaken)

	names, err := et.Scan("peer-")
	require.NoError(t, err)
	require.Equal(t, []string{"peer-a", "peer-b"}, names)

	mf := routed()
	protocol.SetNamePath(mf, protocol.NamePath, "peer-b", "echo")
	require.NoError(t, et.RouteFrame(context.Background(), mf, nil))
	require.Len(t, eps["peer-b"].Sent(), 1)
	require.Empty(t, eps["peer-a"].Sent())

	entry, ok := et.TryGetByName("peer-a")
	require.True(t, ok)
	name, ok := et.NameOf(entry.Key())
	require.True(t, ok)
	require.Equal(t, "peer-a", name)

	et.Close()
	for _, ep := range eps {
		select {
		case <-ep.stopCh:
		case <-time.After(5 * time.Second):
			t.Fatal("Close must stop every endpoint")
		}
	}
	require.Zero(t, et.Len())
}
