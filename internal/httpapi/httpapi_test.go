package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ramen/internal/raft"
	"ramen/internal/raft/server"
	"ramen/internal/sim"
)

// mockBackend is a testify mock of Backend
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Statuses(ctx context.Context) ([]server.Status, error) {
	args := m.Called(ctx)
	statuses, _ := args.Get(0).([]server.Status)
	return statuses, args.Error(1)
}

func (m *mockBackend) Status(ctx context.Context, id raft.NodeID) (server.Status, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(server.Status), args.Error(1)
}

func (m *mockBackend) Entries(ctx context.Context, id raft.NodeID, from, to uint32) ([]raft.LogEntry, error) {
	args := m.Called(ctx, id, from, to)
	entries, _ := args.Get(0).([]raft.LogEntry)
	return entries, args.Error(1)
}

func (m *mockBackend) Distribute(ctx context.Context, id raft.NodeID, payload []byte, requireAck bool) (string, bool,
	error) {
	args := m.Called(ctx, id, payload, requireAck)
	return args.String(0), args.Bool(1), args.Error(2)
}

func setup(t *testing.T, backend Backend) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(backend, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func post(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_Healthz(t *testing.T) {
	ts := setup(t, &mockBackend{})

	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Nodes(t *testing.T) {
	backend := &mockBackend{}
	ts := setup(t, backend)

	leader := server.Status{ID: 1, State: server.Leader, Term: 3, MatchIndex: map[raft.NodeID]uint32{2: 4}}
	backend.On("Statuses", mock.Anything).Return([]server.Status{leader, {ID: 2, Term: 3, Leader: 1}}, nil)
	backend.On("Status", mock.Anything, raft.NodeID(1)).Return(leader, nil)
	backend.On("Status", mock.Anything, raft.NodeID(9)).
		Return(server.Status{}, fmt.Errorf("%w: 9", raft.ErrNodeNotFound))

	t.Run("list", func(t *testing.T) {
		var statuses []server.Status
		assert.Equal(t, http.StatusOK, get(t, ts.URL+"/nodes", &statuses))
		require.Len(t, statuses, 2)
		assert.Equal(t, leader, statuses[0])
	})

	t.Run("one", func(t *testing.T) {
		var status map[string]interface{}
		assert.Equal(t, http.StatusOK, get(t, ts.URL+"/nodes/1", &status))
		assert.Equal(t, "Leader", status["state"])
		assert.Equal(t, float64(3), status["term"])
	})

	t.Run("unknown node", func(t *testing.T) {
		var body errorResponse
		assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/nodes/9", &body))
		assert.Contains(t, body.Error, "node not found")
	})

	t.Run("invalid id", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/nodes/abc", nil))
		assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/nodes/0", nil))
	})

	backend.AssertExpectations(t)
}

func TestServer_Log(t *testing.T) {
	backend := &mockBackend{}
	ts := setup(t, backend)

	entries := []raft.LogEntry{{Term: 1, Payload: []byte("b")}, {Term: 2, Payload: []byte("c")}}
	backend.On("Entries", mock.Anything, raft.NodeID(1), uint32(2), uint32(3)).Return(entries, nil)
	backend.On("Entries", mock.Anything, raft.NodeID(1), uint32(1), ^uint32(0)).Return([]raft.LogEntry(nil), nil)

	t.Run("a range", func(t *testing.T) {
		var got []Entry
		assert.Equal(t, http.StatusOK, get(t, ts.URL+"/nodes/1/log?from=2&to=3", &got))
		assert.Equal(t, []Entry{{Index: 2, Term: 1, Payload: "b"}, {Index: 3, Term: 2, Payload: "c"}}, got)
	})

	t.Run("whole empty log", func(t *testing.T) {
		var got []Entry
		assert.Equal(t, http.StatusOK, get(t, ts.URL+"/nodes/1/log", &got))
		assert.Empty(t, got)
	})

	t.Run("invalid bounds", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/nodes/1/log?from=x", nil))
		assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/nodes/1/log?to=-1", nil))
	})

	backend.AssertExpectations(t)
}

func TestServer_PostEntry(t *testing.T) {
	backend := &mockBackend{}
	ts := setup(t, backend)

	backend.On("Distribute", mock.Anything, raft.NodeID(2), []byte("SET a=1"), true).Return("entry-1", false, nil)
	backend.On("Distribute", mock.Anything, raft.NodeID(3), []byte("x"), false).
		Return("", false, errors.New("boom"))

	t.Run("queued", func(t *testing.T) {
		var got distributeResponse
		code := post(t, ts.URL+"/nodes/2/entries", distributeRequest{Payload: "SET a=1", RequireAck: true}, &got)
		assert.Equal(t, http.StatusAccepted, code)
		assert.Equal(t, distributeResponse{ID: "entry-1", OK: false}, got)
	})

	t.Run("backend failure", func(t *testing.T) {
		assert.Equal(t, http.StatusInternalServerError,
			post(t, ts.URL+"/nodes/3/entries", distributeRequest{Payload: "x"}, nil))
	})

	t.Run("bad requests", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/nodes/2/entries", distributeRequest{}, nil))

		resp, err := http.Post(ts.URL+"/nodes/2/entries", "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("fault routes need a fault injector", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, post(t, ts.URL+"/heal", struct{}{}, nil))
	})

	backend.AssertExpectations(t)
}

func TestServer_SimulatedCluster(t *testing.T) {
	config := sim.DefaultConfig()
	config.Nodes = 3
	c, err := sim.NewCluster(config)
	require.NoError(t, err)
	ok, err := c.RunUntil(func(c *sim.Cluster) bool {
		_, ok := c.Leader()
		return ok
	}, 2000)
	require.NoError(t, err)
	require.True(t, ok)
	leader, _ := c.Leader()

	runner := sim.NewRunner(c, time.Second, 0)
	ts := setup(t, runner)

	t.Run("write through the leader", func(t *testing.T) {
		var got distributeResponse
		code := post(t, fmt.Sprintf("%s/nodes/%d/entries", ts.URL, leader), distributeRequest{Payload: "x"}, &got)
		assert.Equal(t, http.StatusAccepted, code)
		assert.True(t, got.OK)
		assert.NotEmpty(t, got.ID)

		runner.Do(func(c *sim.Cluster) { require.NoError(t, c.Run(5)) })

		var entries []Entry
		assert.Equal(t, http.StatusOK, get(t, fmt.Sprintf("%s/nodes/%d/log", ts.URL, leader), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, Entry{Index: 1, Term: entries[0].Term, Payload: "x"}, entries[0])
		assert.Positive(t, entries[0].Term)
	})

	t.Run("faults", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, post(t, ts.URL+"/nodes/2/kill", struct{}{}, nil))
		runner.Do(func(c *sim.Cluster) { assert.False(t, c.Mesh().Alive(2)) })
		assert.Equal(t, http.StatusNoContent, post(t, ts.URL+"/nodes/2/revive", struct{}{}, nil))
		assert.Equal(t, http.StatusNotFound, post(t, ts.URL+"/nodes/7/kill", struct{}{}, nil))

		groups := partitionRequest{Groups: [][]raft.NodeID{{1}, {2, 3}}}
		assert.Equal(t, http.StatusNoContent, post(t, ts.URL+"/partition", groups, nil))
		runner.Do(func(c *sim.Cluster) { assert.False(t, c.Mesh().Reachable(1, 2)) })
		assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/partition", partitionRequest{}, nil))

		assert.Equal(t, http.StatusNoContent, post(t, ts.URL+"/heal", struct{}{}, nil))
		runner.Do(func(c *sim.Cluster) { assert.True(t, c.Mesh().Reachable(1, 2)) })
	})
}
