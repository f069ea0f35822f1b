package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func TestDrip_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/drip", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-1", body["requester_id"])
		assert.Equal(t, alice, body["address"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DripResult{
			Success: true,
			Message: "Successfully requested funding for " + alice,
			Status:  "success",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	result, err := client.Drip(context.Background(), "user-1", alice)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "success", result.Status)
}

func TestDrip_Token(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		json.NewEncoder(w).Encode(DripResult{Success: true, Status: "success"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Drip(context.Background(), "user-1", alice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")

	result, err := NewClient(server.URL, nil, nil).WithToken("s3cret").Drip(context.Background(), "user-1", alice)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestDrip_Rejections(t *testing.T) {
	tests := []struct {
		code    int
		status  string
		message string
	}{
		{http.StatusTooManyRequests, "rate_limited", "Please wait one day before asking for more tokens"},
		{http.StatusBadRequest, "invalid_address", "invalid address"},
		{http.StatusServiceUnavailable, "not_initialized", "Bot API not initialized"},
		{http.StatusBadGateway, "funding_failed", "funding failed, please contact support"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.code)
				json.NewEncoder(w).Encode(DripResult{Message: tt.message, Status: tt.status})
			}))
			defer server.Close()

			result, err := NewClient(server.URL, nil, nil).Drip(context.Background(), "user-1", alice)
			require.NoError(t, err)
			assert.False(t, result.Success)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, tt.message, result.Message)
		})
	}
}

func TestDrip_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "requester_id is required"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Drip(context.Background(), "", alice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requester_id is required")
}

func TestDrip_NotJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Drip(context.Background(), "user-1", alice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestChains(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chains", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chains":[
			{"network":"rococo","family":"substrate","state":"ready","next_nonce":4,"funding_address":"` + alice + `"},
			{"network":"sepolia","family":"evm","state":"absent","error":"connection refused"}
		],"count":2,"ready":1}`))
	}))
	defer server.Close()

	chains, err := NewClient(server.URL, nil, nil).Chains(context.Background())
	require.NoError(t, err)
	require.Len(t, chains, 2)

	assert.Equal(t, "ready", chains[0].State)
	require.NotNil(t, chains[0].NextNonce)
	assert.Equal(t, uint64(4), *chains[0].NextNonce)
	assert.Equal(t, alice, chains[0].FundingAddress)
	assert.Nil(t, chains[1].NextNonce)
	assert.Equal(t, "connection refused", chains[1].Error)
}

func TestListDrips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/drips", r.URL.Path)
		assert.Equal(t, "user-1", r.URL.Query().Get("requester_id"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Empty(t, r.URL.Query().Get("offset"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"drips":[{"id":"d-1","requester_id":"user-1","status":"success","success":true,
			"submissions":[{"network":"rococo","success":true,"tx_hashes":["0xabc"],"nonces":[4]}]}],
			"count":1,"limit":5,"offset":0}`))
	}))
	defer server.Close()

	drips, err := NewClient(server.URL, nil, nil).ListDrips(context.Background(), ListDripsParams{RequesterID: "user-1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, drips, 1)
	assert.Equal(t, "d-1", drips[0].ID)
	require.Len(t, drips[0].Submissions, 1)
	assert.Equal(t, []int64{4}, drips[0].Submissions[0].Nonces)
}

func TestGetDrip_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/drips/missing", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "drip not found"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).GetDrip(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drip not found")
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL+"/", nil, nil).Health(context.Background()))

	server.Close()
	assert.Error(t, NewClient(server.URL, nil, nil).Health(context.Background()))
}

// sseServer writes the given events then holds the stream open until the
// client goes away.
func sseServer(t *testing.T, events ...DripEvent) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/drips/success", r.URL.Path)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		w.Write([]byte("event: connected\ndata: {\"status\":\"success\"}\n\n"))
		w.Write([]byte(": keepalive\n\n"))
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			w.Write([]byte("event: drip\ndata: " + string(data) + "\n\n"))
		}
		flusher.Flush()

		<-r.Context().Done()
	}))
}

func TestClient_Await_MatchingEvent(t *testing.T) {
	server := sseServer(t,
		DripEvent{ID: "e-1", RequesterID: "user-2", Status: "success", Success: true},
		DripEvent{ID: "e-2", RequesterID: "user-1", Status: "success", Success: true,
			Chains: []ChainResult{{Network: "rococo", Success: true, Nonces: []uint64{3}}}},
	)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event, err := NewClient(server.URL, nil, nil).Await(ctx, "success", func(ev *DripEvent) bool {
		return ev.RequesterID == "user-1"
	})
	require.NoError(t, err)
	assert.Equal(t, "e-2", event.ID)
	require.Len(t, event.Chains, 1)
	assert.Equal(t, []uint64{3}, event.Chains[0].Nonces)
}

func TestClient_Await_Timeout(t *testing.T) {
	server := sseServer(t, DripEvent{ID: "e-1", RequesterID: "user-2", Status: "success"})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	event, err := NewClient(server.URL, nil, nil).Await(ctx, "success", func(ev *DripEvent) bool {
		return ev.RequesterID == "user-1"
	})
	assert.Nil(t, event)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClient_Stream_CallbackError(t *testing.T) {
	server := sseServer(t, DripEvent{ID: "e-1", Status: "success"})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	err := NewClient(server.URL, nil, nil).Stream(ctx, "success", func(ev *DripEvent) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
