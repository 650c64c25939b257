package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/api"
	"github.com/quantframe/backtest-core/pkg/types"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	server := api.NewServer(zap.NewNop(), types.ServerConfig{EnableMetrics: true})
	server.StartWorkers()
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Stop(ctx)
	})
	return server, ts
}

func testConfig(id string) types.BacktestConfig {
	config := types.DefaultBacktestConfig()
	config.ID = id
	config.Symbol = "TEST"
	config.StartDate = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	config.EndDate = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	return config
}

func submit(t *testing.T, ts *httptest.Server, config types.BacktestConfig) *http.Response {
	t.Helper()
	body, err := json.Marshal(config)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/v1/backtests", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func waitForTerminal(t *testing.T, ts *httptest.Server, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/backtests/" + id)
		require.NoError(t, err)
		var state map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
		resp.Body.Close()
		switch state["status"] {
		case api.StatusCompleted, api.StatusFailed:
			return state
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("backtest %s did not finish in time", id)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestListStrategies(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/strategies")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Strategies []string `json:"strategies"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Strategies, "sma_cross")
	assert.Contains(t, body.Strategies, "momentum")
	assert.Contains(t, body.Strategies, "rsi")
}

func TestSubmitBacktestRejectsBadInput(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/backtests", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	missing := testConfig("bt-no-symbol")
	missing.Symbol = ""
	resp = submit(t, ts, missing)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	unknown := testConfig("bt-unknown-strategy")
	unknown.Strategy = "astrology"
	resp = submit(t, ts, unknown)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	negative := testConfig("bt-negative-capital")
	negative.InitialCapital = decimal.NewFromInt(-1)
	resp = submit(t, ts, negative)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetBacktestNotFound(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/backtests/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/backtests/nope/trades")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitBacktestLifecycle(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := submit(t, ts, testConfig("bt-lifecycle"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var state map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "bt-lifecycle", state["id"])

	final := waitForTerminal(t, ts, "bt-lifecycle")
	require.Equal(t, api.StatusCompleted, final["status"])
	require.NotNil(t, final["result"])
	require.NotNil(t, final["metrics"])
	assert.NotNil(t, final["completedAt"])

	tradesResp, err := http.Get(ts.URL + "/api/v1/backtests/bt-lifecycle/trades")
	require.NoError(t, err)
	defer tradesResp.Body.Close()
	assert.Equal(t, http.StatusOK, tradesResp.StatusCode)

	mcResp, err := http.Get(ts.URL + "/api/v1/backtests/bt-lifecycle/montecarlo")
	require.NoError(t, err)
	defer mcResp.Body.Close()
	assert.Equal(t, http.StatusOK, mcResp.StatusCode)
}

// Readers hammer the get and list endpoints while the pool worker is
// completing the run; run with -race.
func TestConcurrentStateReads(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := submit(t, ts, testConfig("bt-concurrent"))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, path := range []string{"/api/v1/backtests/bt-concurrent", "/api/v1/backtests"} {
					r, err := http.Get(ts.URL + path)
					if err != nil {
						return
					}
					io.Copy(io.Discard, r.Body)
					r.Body.Close()
				}
			}
		}()
	}

	final := waitForTerminal(t, ts, "bt-concurrent")
	close(done)
	wg.Wait()
	assert.Equal(t, api.StatusCompleted, final["status"])
}

func TestSubmitDuplicateID(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := submit(t, ts, testConfig("bt-dup"))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = submit(t, ts, testConfig("bt-dup"))
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListBacktests(t *testing.T) {
	_, ts := setupTestServer(t)

	for _, id := range []string{"bt-a", "bt-b"} {
		resp := submit(t, ts, testConfig(id))
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/api/v1/backtests")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Backtests []map[string]interface{} `json:"backtests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Backtests, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketBacktestNotification(t *testing.T) {
	_, ts := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := submit(t, ts, testConfig("bt-ws"))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "backtest_completed", msg.Type)
	assert.Equal(t, "bt-ws", msg.ID)
}
