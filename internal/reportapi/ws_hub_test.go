package reportapi_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/reportapi"
	"github.com/atmx/hyperfuzz/internal/store"
)

// newStream starts a hub behind the router and connects one client.
func newStream(t *testing.T) (*reportapi.WSHub, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := reportapi.NewWSHub(quiet())
	go hub.Run(ctx)

	svc := reportapi.NewService(store.NewMemoryStore(), quiet())
	srv := httptest.NewServer(reportapi.NewRouter(svc, hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) reportapi.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg reportapi.WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWSHub_StreamsCheckResults(t *testing.T) {
	hub, conn := newStream(t)

	hub.CheckResult("run-1", model.InvariantCheckResult{
		Name:     "present_value",
		Passed:   false,
		Expected: fixedpoint.New(10),
		Actual:   fixedpoint.New(9),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, reportapi.MsgCheckResult, msg.Type)
	assert.Equal(t, "run-1", msg.RunID)
	require.NotNil(t, msg.Check)
	assert.Equal(t, "present_value", msg.Check.Name)
	assert.True(t, msg.Check.Actual.Eq(fixedpoint.New(9)))
}

func TestWSHub_FailuresOnly(t *testing.T) {
	hub, conn := newStream(t)
	hub.FailuresOnly = true

	hub.CheckResult("run-1", model.InvariantCheckResult{Name: "solvency", Passed: true})
	hub.CheckResult("run-1", model.InvariantCheckResult{Name: "long_profit", Passed: false})

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Check)
	assert.Equal(t, "long_profit", msg.Check.Name)
}

func TestWSHub_RunFinishedWithCrash(t *testing.T) {
	hub, conn := newStream(t)

	hub.RunFinished(&model.FuzzRunReport{
		RunID:      "run-7",
		Scenario:   "maturity",
		RandomSeed: 99,
		Status:     model.RunFailed,
		CrashDump: &model.CrashBundle{
			ID:                   "crash-7",
			RandomSeed:           99,
			FailingInvariantName: "long_maturity_proceeds",
		},
	})

	finished := readMessage(t, conn)
	assert.Equal(t, reportapi.MsgRunFinished, finished.Type)
	assert.Equal(t, model.RunFailed, finished.Status)
	assert.Equal(t, int64(99), finished.Seed)

	crashed := readMessage(t, conn)
	assert.Equal(t, reportapi.MsgCrash, crashed.Type)
	assert.Equal(t, "crash-7", crashed.CrashID)
	assert.Equal(t, "long_maturity_proceeds", crashed.Invariant)
}

func TestWSHub_UnregistersClosedClients(t *testing.T) {
	hub, conn := newStream(t)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHub_BroadcastWithoutClients(t *testing.T) {
	hub := reportapi.NewWSHub(quiet())

	// No Run loop: the buffer fills and further messages are dropped.
	for range 1000 {
		hub.Broadcast(reportapi.WSMessage{Type: reportapi.MsgRunFinished, RunID: "r"})
	}
	assert.Zero(t, hub.Clients())
}
