package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/transport"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRequests  = "execution:requests"
	testResponses = "execution:responses"
)

// fakeVenue answers requests published on testRequests using reply
type fakeVenue struct {
	conn  *transport.MemoryTransport
	reply func(req Request) (success bool, errMsg string, payload interface{}, send bool)
	seen  chan Request
}

func startVenue(t *testing.T, broker *transport.MemoryBroker, reply func(Request) (bool, string, interface{}, bool)) *fakeVenue {
	t.Helper()
	v := &fakeVenue{conn: broker.Connect("venue"), reply: reply, seen: make(chan Request, 16)}
	require.NoError(t, v.conn.Subscribe(context.Background(), testRequests, func(ctx context.Context, msg core.Message) {
		var req Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		v.seen <- req
		ok, errMsg, payload, send := v.reply(req)
		if !send {
			return
		}
		raw, _ := EncodeResponse(req.RequestID, ok, errMsg, payload)
		_ = v.conn.Publish(ctx, req.ResponseChannel, raw)
	}))
	return v
}

func newTestClient(broker *transport.MemoryBroker) *Client {
	return NewClient(broker.Connect("core"), NewRegistry(logging.NopLogger{}), ClientConfig{
		RequestChannel:  testRequests,
		ResponseChannel: testResponses,
		EphemeralPrefix: "execution:reply",
		DefaultTimeout:  time.Second,
	}, logging.NopLogger{})
}

func TestClient_SharedSuccess(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	startVenue(t, broker, func(req Request) (bool, string, interface{}, bool) {
		return true, "", map[string]interface{}{"accounts": []map[string]string{{"id": "A1"}}}, true
	})
	client := newTestClient(broker)
	require.NoError(t, client.Start(context.Background()))

	res := client.Call(context.Background(), NewRequest(TypeGetAccounts, nil), CallOptions{})
	require.True(t, res.OK(), "outcome %s err %v", res.Outcome, res.Err)

	var body struct {
		Accounts []struct {
			ID string `json:"id"`
		} `json:"accounts"`
	}
	require.NoError(t, res.Response.Decode(&body))
	assert.Equal(t, "A1", body.Accounts[0].ID)
	assert.Equal(t, 0, client.Registry().Len())
}

func TestClient_RemoteRejection(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	startVenue(t, broker, func(req Request) (bool, string, interface{}, bool) {
		return false, "insufficient margin", nil, true
	})
	client := newTestClient(broker)

	res := client.Call(context.Background(), NewRequest(TypePlaceOrder, map[string]interface{}{"size": 1}), CallOptions{})
	assert.Equal(t, OutcomeRemoteRejection, res.Outcome)
	assert.True(t, apperrors.IsRemoteRejection(res.Err))
	assert.Contains(t, res.Err.Error(), "insufficient margin")
}

func TestClient_TimeoutIsOutcomeNotError(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	startVenue(t, broker, func(Request) (bool, string, interface{}, bool) { return false, "", nil, false })
	client := newTestClient(broker)

	start := time.Now()
	res := client.Call(context.Background(), NewRequest(TypeGetPositions, nil), CallOptions{Timeout: 50 * time.Millisecond})
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.True(t, apperrors.IsTimeout(res.Err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, client.Registry().Len())
}

func TestClient_TransportFailure(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	client := newTestClient(broker)
	require.NoError(t, client.Start(context.Background()))
	broker.SetDown(true)

	res := client.Call(context.Background(), NewRequest(TypeGetAccounts, nil), CallOptions{})
	assert.Equal(t, OutcomeTransportFailure, res.Outcome)
	assert.True(t, apperrors.IsTransport(res.Err))
	assert.Equal(t, 0, client.Registry().Len(), "nothing left pending when publish fails")
}

func TestClient_EphemeralChannel(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	venue := startVenue(t, broker, func(req Request) (bool, string, interface{}, bool) {
		return true, "", nil, true
	})
	client := newTestClient(broker)

	res := client.Call(context.Background(), NewRequest(TypeUpdateSLTP, nil), CallOptions{Mode: ModeEphemeral})
	require.True(t, res.OK())

	req := <-venue.seen
	assert.NotEqual(t, testResponses, req.ResponseChannel)
	assert.Contains(t, req.ResponseChannel, "execution:reply:")
	assert.Equal(t, 0, broker.Subscribers(req.ResponseChannel), "ephemeral channel dropped after call")
}

func TestClient_ContextCancel(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	startVenue(t, broker, func(Request) (bool, string, interface{}, bool) { return false, "", nil, false })
	client := newTestClient(broker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := client.Call(ctx, NewRequest(TypeGetPositions, nil), CallOptions{Timeout: time.Minute})
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, client.Registry().Len())
}

func TestClient_LateResponseDropped(t *testing.T) {
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	release := make(chan struct{})
	startVenue(t, broker, func(Request) (bool, string, interface{}, bool) {
		<-release
		return true, "", nil, true
	})
	client := newTestClient(broker)

	res := client.Call(context.Background(), NewRequest(TypeGetPositions, nil), CallOptions{Timeout: 30 * time.Millisecond})
	require.Equal(t, OutcomeTimedOut, res.Outcome)

	close(release)
	assert.Eventually(t, func() bool { return client.Registry().LateResponses() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClient_ConcurrentCallsCorrelate(t *testing.T) {
	broker := transport.NewMemoryBroker(256, logging.NopLogger{})
	startVenue(t, broker, func(req Request) (bool, string, interface{}, bool) {
		return true, "", map[string]interface{}{"echo": req.Fields["n"]}, true
	})
	client := newTestClient(broker)

	results := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			res := client.Call(context.Background(), NewRequest(TypeGetContracts, map[string]interface{}{"n": n}), CallOptions{})
			var body struct {
				Echo int `json:"echo"`
			}
			results <- res.OK() && res.Response.Decode(&body) == nil && body.Echo == n
		}(i)
	}
	for i := 0; i < 20; i++ {
		assert.True(t, <-results)
	}
}
