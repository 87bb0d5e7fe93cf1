package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/rpc"
	"execution_core/internal/transport"
	"execution_core/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	inbound      = "gateway:requests"
	downstreamRq = "venue:requests"
	downstreamRs = "venue:responses"
)

// startResponder answers every downstream request on the fixed downstream
// response channel, echoing the requester's accountId.
func startResponder(t *testing.T, broker *transport.MemoryBroker, silent bool) *sync.Map {
	t.Helper()
	seen := &sync.Map{}
	conn := broker.Connect("venue")
	require.NoError(t, conn.Subscribe(context.Background(), downstreamRq, func(ctx context.Context, msg core.Message) {
		var req rpc.Request
		if err := req.UnmarshalJSON(msg.Payload); err != nil {
			return
		}
		seen.Store(req.RequestID, string(msg.Payload))
		if silent {
			return
		}
		raw, err := rpc.EncodeResponse(req.RequestID, true, "", map[string]interface{}{"accountId": req.Fields["accountId"]})
		if err != nil {
			return
		}
		_ = conn.Publish(ctx, downstreamRs, raw)
	}))
	return seen
}

func startForwarder(t *testing.T, broker *transport.MemoryBroker, ttl time.Duration) *Forwarder {
	t.Helper()
	f := New(Config{
		InboundChannel:            inbound,
		DownstreamRequestChannel:  downstreamRq,
		DownstreamResponseChannel: downstreamRs,
		TTL:                       ttl,
	}, broker.Connect("forwarder"), logging.NopLogger{})
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Stop(context.Background()) })
	return f
}

func newCaller(broker *transport.MemoryBroker, name string) *rpc.Client {
	return rpc.NewClient(broker.Connect(name), rpc.NewRegistry(logging.NopLogger{}), rpc.ClientConfig{
		RequestChannel:  inbound,
		ResponseChannel: name + ":responses",
		DefaultTimeout:  time.Second,
	}, logging.NopLogger{})
}

func TestForwarder_RelaysToRequester(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	seen := startResponder(t, broker, false)
	f := startForwarder(t, broker, time.Second)
	caller := newCaller(broker, "ui")

	req := rpc.NewRequest(rpc.TypeGetPositions, map[string]interface{}{"accountId": "A1"})
	req.RequestID = "fixed-id"
	res := caller.Call(context.Background(), req, rpc.CallOptions{})
	require.True(t, res.OK(), "outcome %s", res.Outcome)

	var body struct {
		AccountID string `json:"accountId"`
	}
	require.NoError(t, res.Response.Decode(&body))
	assert.Equal(t, "A1", body.AccountID)

	raw, ok := seen.Load("fixed-id")
	require.True(t, ok)
	assert.Contains(t, raw.(string), `"responseChannel":"ui:responses"`, "request forwarded verbatim")
	assert.Equal(t, 0, f.Pending())
	assert.Eventually(t, func() bool { return f.Stats()["relayed"] == 1 }, time.Second, 5*time.Millisecond)
}

func TestForwarder_NoCrossTalkBetweenCallers(t *testing.T) {
	broker := transport.NewMemoryBroker(256, logging.NopLogger{})
	startResponder(t, broker, false)
	startForwarder(t, broker, time.Second)

	callers := map[string]*rpc.Client{
		"A1": newCaller(broker, "cli"),
		"A2": newCaller(broker, "ui"),
	}

	var wg sync.WaitGroup
	for account, caller := range callers {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(account string, caller *rpc.Client) {
				defer wg.Done()
				res := caller.Call(context.Background(),
					rpc.NewRequest(rpc.TypeGetAccounts, map[string]interface{}{"accountId": account}),
					rpc.CallOptions{})
				if !assert.True(t, res.OK()) {
					return
				}
				var body struct {
					AccountID string `json:"accountId"`
				}
				assert.NoError(t, res.Response.Decode(&body))
				assert.Equal(t, account, body.AccountID)
			}(account, caller)
		}
	}
	wg.Wait()
}

func TestForwarder_IgnoresTypesOutsideAllowList(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	seen := startResponder(t, broker, false)
	f := startForwarder(t, broker, time.Second)
	caller := newCaller(broker, "ui")

	req := rpc.NewRequest(rpc.TypePlaceOrder, nil)
	req.RequestID = "place-1"
	res := caller.Call(context.Background(), req, rpc.CallOptions{Timeout: 50 * time.Millisecond})

	assert.Equal(t, rpc.OutcomeTimedOut, res.Outcome)
	_, forwarded := seen.Load("place-1")
	assert.False(t, forwarded)
	assert.Eventually(t, func() bool { return f.Stats()["ignored"] == 1 }, time.Second, 5*time.Millisecond)
}

func TestForwarder_RouteExpires(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	startResponder(t, broker, true)
	f := startForwarder(t, broker, 30*time.Millisecond)
	caller := newCaller(broker, "ui")

	res := caller.Call(context.Background(), rpc.NewRequest(rpc.TypeGetContracts, nil), rpc.CallOptions{Timeout: 100 * time.Millisecond})
	assert.Equal(t, rpc.OutcomeTimedOut, res.Outcome)

	assert.Eventually(t, func() bool { return f.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.Stats()["expired"])
}

func TestForwarder_RequiresResponseChannel(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	seen := startResponder(t, broker, false)
	f := startForwarder(t, broker, time.Second)

	pub := broker.Connect("raw")
	require.NoError(t, pub.Publish(context.Background(), inbound, []byte(`{"type":"GET_ACCOUNTS","requestId":"no-reply"}`)))

	assert.Eventually(t, func() bool { return f.Stats()["ignored"] == 1 }, time.Second, 5*time.Millisecond)
	_, forwarded := seen.Load("no-reply")
	assert.False(t, forwarded)
}

func TestForwarder_UnknownResponseDropped(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	f := startForwarder(t, broker, time.Second)

	raw, err := rpc.EncodeResponse("stranger", true, "", nil)
	require.NoError(t, err)
	require.NoError(t, broker.Connect("venue").Publish(context.Background(), downstreamRs, raw))

	assert.Eventually(t, func() bool { return f.Stats()["ignored"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), f.Stats()["relayed"])
}
