package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridsync/internal/config"
	"github.com/dreamware/gridsync/internal/storage"
)

func testConfig(id string) config.Node {
	return config.Node{
		NodeID:     id,
		Listen:     ":0",
		GossipAddr: "127.0.0.1",
		Segments:   16,
		Store:      "memory",
		Group:      "objects",
		ChunkSize:  4,
		LogLevel:   "info",
	}
}

// newTestServer starts a node over store that owns every segment.
func newTestServer(t *testing.T, store storage.Store, cfg config.Node) (*Node, *httptest.Server) {
	t.Helper()
	node, err := NewNode(cfg, store, nil)
	require.NoError(t, err)
	node.topology.SetMembers([]string{cfg.NodeID})

	srv := httptest.NewServer(node.routes())
	t.Cleanup(func() {
		srv.Close()
		node.Close()
	})
	return node, srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestHealthAndInfo(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	_, srv := newTestServer(t, store, testConfig("node-1"))

	status, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = do(t, http.MethodGet, srv.URL+"/info", "")
	require.Equal(t, http.StatusOK, status)
	info := decode[nodeInfo](t, body)
	assert.Equal(t, "node-1", info.NodeID)
	assert.Len(t, info.OwnedSegments, 16)
	assert.Equal(t, 16, info.Segments)
	require.Len(t, info.Members, 1)
	assert.Equal(t, "node-1", info.Members[0].ID)
}

func TestWeakCounterEndpoints(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	_, srv := newTestServer(t, store, testConfig("node-1"))
	url := srv.URL + "/counters/hits"

	status, body := do(t, http.MethodPut, url, `{"type":"weak","initial":10,"concurrency":4}`)
	require.Equal(t, http.StatusCreated, status, body)
	def := decode[config.Counter](t, body)
	assert.Equal(t, config.Counter{Name: "hits", Type: "weak", Initial: 10, Concurrency: 4}, def)

	status, _ = do(t, http.MethodPut, url, `{"type":"weak","initial":99}`)
	assert.Equal(t, http.StatusOK, status, "second definition keeps the first")

	status, body = do(t, http.MethodPost, url+"/add?delta=5", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, int64(15), decode[counterResponse](t, body).Value)

	status, _ = do(t, http.MethodPost, url+"/add", "")
	require.Equal(t, http.StatusOK, status)
	_, body = do(t, http.MethodGet, url, "")
	assert.Equal(t, counterResponse{Name: "hits", Type: "weak", Value: 16}, decode[counterResponse](t, body))

	status, _ = do(t, http.MethodPost, url+"/reset", "")
	require.Equal(t, http.StatusNoContent, status)
	_, body = do(t, http.MethodGet, url, "")
	assert.Equal(t, int64(10), decode[counterResponse](t, body).Value)

	status, _ = do(t, http.MethodPost, url+"/cas?expect=10&update=11", "")
	assert.Equal(t, http.StatusConflict, status, "weak counters have no compare-and-swap")

	_, body = do(t, http.MethodGet, srv.URL+"/counters", "")
	assert.JSONEq(t, `{"counters":["hits"]}`, body)
}

func TestStrongCounterEndpoints(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	_, srv := newTestServer(t, store, testConfig("node-1"))
	url := srv.URL + "/counters/stock"

	status, body := do(t, http.MethodPut, url, `{"type":"bounded-strong","initial":5,"lower":0,"upper":10}`)
	require.Equal(t, http.StatusCreated, status, body)

	status, body = do(t, http.MethodPost, url+"/add?delta=3", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, int64(8), decode[counterResponse](t, body).Value)

	status, _ = do(t, http.MethodPost, url+"/add?delta=3", "")
	assert.Equal(t, http.StatusConflict, status, "upper bound")
	_, body = do(t, http.MethodGet, url, "")
	assert.Equal(t, int64(8), decode[counterResponse](t, body).Value)

	status, body = do(t, http.MethodPost, url+"/cas?expect=8&update=2", "")
	require.Equal(t, http.StatusOK, status, body)
	resp := decode[counterResponse](t, body)
	require.NotNil(t, resp.Swapped)
	assert.True(t, *resp.Swapped)
	assert.Equal(t, int64(2), resp.Value)

	_, body = do(t, http.MethodPost, url+"/cas?expect=8&update=3", "")
	resp = decode[counterResponse](t, body)
	assert.False(t, *resp.Swapped)
	assert.Equal(t, int64(2), resp.Value)

	status, _ = do(t, http.MethodPost, url+"/reset", "")
	require.Equal(t, http.StatusNoContent, status)
	_, body = do(t, http.MethodGet, url, "")
	assert.Equal(t, int64(5), decode[counterResponse](t, body).Value)
}

func TestCounterErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	_, srv := newTestServer(t, store, testConfig("node-1"))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown counter", http.MethodGet, "/counters/nope", "", http.StatusNotFound},
		{"add to unknown counter", http.MethodPost, "/counters/nope/add", "", http.StatusNotFound},
		{"bad delta", http.MethodPost, "/counters/nope/add?delta=x", "", http.StatusBadRequest},
		{"bad cas arguments", http.MethodPost, "/counters/nope/cas?expect=1", "", http.StatusBadRequest},
		{"bad body", http.MethodPut, "/counters/c", "{", http.StatusBadRequest},
		{"unknown type", http.MethodPut, "/counters/c", `{"type":"medium"}`, http.StatusBadRequest},
		{"initial out of bounds", http.MethodPut, "/counters/c", `{"type":"bounded-strong","initial":20,"upper":10}`, http.StatusBadRequest},
		{"oversized concurrency", http.MethodPut, "/counters/c", `{"type":"weak","concurrency":9223372036854775807}`, http.StatusBadRequest},
		{"remove unknown counter", http.MethodDelete, "/counters/nope", "", http.StatusNotFound},
		{"wrong method", http.MethodPatch, "/counters/c", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, status, body)
		})
	}
}

func TestRemoveCounter(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	_, srv := newTestServer(t, store, testConfig("node-1"))
	url := srv.URL + "/counters/hits"

	do(t, http.MethodPut, url, `{"type":"weak","initial":1,"concurrency":2}`)
	do(t, http.MethodPost, url+"/add?delta=4", "")

	status, _ := do(t, http.MethodDelete, url, "")
	require.Equal(t, http.StatusNoContent, status)
	_, body := do(t, http.MethodGet, url, "")
	assert.Equal(t, int64(1), decode[counterResponse](t, body).Value, "value removed, definition kept")

	status, _ = do(t, http.MethodDelete, url+"?undefine=true", "")
	require.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Empty(t, store.Keys())
}

func TestCountersFromConfig(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	cfg := testConfig("node-1")
	cfg.Counters = []config.Counter{
		{Name: "hits", Type: "weak", Initial: 3},
		{Name: "stock", Type: "unbounded-strong", Initial: 7},
	}
	_, srv := newTestServer(t, store, cfg)

	_, body := do(t, http.MethodGet, srv.URL+"/counters/hits", "")
	assert.Equal(t, counterResponse{Name: "hits", Type: "weak", Value: 3}, decode[counterResponse](t, body))
	_, body = do(t, http.MethodGet, srv.URL+"/counters/stock", "")
	assert.Equal(t, counterResponse{Name: "stock", Type: "unbounded-strong", Value: 7}, decode[counterResponse](t, body))
}

// TestCountersAcrossNodes runs two nodes over one store, each owning half of
// the segments, and adds through both.
func TestCountersAcrossNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	a, srvA := newTestServer(t, store, testConfig("node-a"))
	b, srvB := newTestServer(t, store, testConfig("node-b"))
	a.topology.SetMembers([]string{"node-a", "node-b"})
	b.topology.SetMembers([]string{"node-a", "node-b"})

	status, _ := do(t, http.MethodPut, srvA.URL+"/counters/hits", `{"type":"weak","concurrency":8}`)
	require.Equal(t, http.StatusCreated, status)

	var wg sync.WaitGroup
	for _, url := range []string{srvA.URL, srvB.URL} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				resp, err := http.Post(url+"/counters/hits/add", "", nil)
				if !assert.NoError(t, err) {
					return
				}
				resp.Body.Close()
				assert.Equal(t, http.StatusOK, resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	for _, url := range []string{srvA.URL, srvB.URL} {
		assert.Eventually(t, func() bool {
			_, body := do(t, http.MethodGet, url+"/counters/hits", "")
			return decode[counterResponse](t, body).Value == 50
		}, waitFor, tick)
	}
}

// TestSeparateStoresAreIndependent checks that nodes over different stores
// keep their own counters, as separate gridnode processes do.
func TestSeparateStoresAreIndependent(t *testing.T) {
	storeA, storeB := storage.NewMemoryStore(), storage.NewMemoryStore()
	defer storeA.Close()
	defer storeB.Close()
	_, srvA := newTestServer(t, storeA, testConfig("node-a"))
	_, srvB := newTestServer(t, storeB, testConfig("node-b"))

	status, _ := do(t, http.MethodPut, srvA.URL+"/counters/hits", `{"type":"weak"}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = do(t, http.MethodPost, srvB.URL+"/counters/hits/add", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestObjectEndpoints(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	node, srv := newTestServer(t, store, testConfig("node-1"))
	url := srv.URL + "/objects/report"

	status, body := do(t, http.MethodPut, url, "hello, grid")
	require.Equal(t, http.StatusCreated, status, body)
	obj := decode[objectResponse](t, body)
	assert.Equal(t, int64(11), obj.Size)
	assert.Equal(t, 3, obj.Chunks)

	status, _ = do(t, http.MethodPut, url, "again")
	assert.Equal(t, http.StatusConflict, status)

	resp, err := http.Get(url)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello, grid", string(data))
	assert.Equal(t, obj.Generation.String(), resp.Header.Get("X-Object-Generation"))
	assert.Eventually(t, func() bool { return node.locks.Held() == 0 }, waitFor, tick,
		"read lock released after the response")

	_, body = do(t, http.MethodGet, srv.URL+"/objects", "")
	assert.JSONEq(t, `{"objects":["report"]}`, body)

	status, _ = do(t, http.MethodDelete, url, "")
	require.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do(t, http.MethodDelete, url, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Eventually(t, func() bool { return len(store.Keys()) == 0 }, waitFor, tick)
}

// TestObjectDeleteWaitsForReaders opens an object directly, deletes it over
// HTTP and checks the object outlives the delete until the reader closes.
func TestObjectDeleteWaitsForReaders(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	node, srv := newTestServer(t, store, testConfig("node-1"))
	url := srv.URL + "/objects/report"

	status, _ := do(t, http.MethodPut, url, "abcdefgh")
	require.Equal(t, http.StatusCreated, status)

	reader, err := node.objects.Open(context.Background(), "report")
	require.NoError(t, err)

	status, _ = do(t, http.MethodDelete, url, "")
	require.Equal(t, http.StatusNoContent, status)
	status, body := do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusOK, status, "open reader keeps the object")
	assert.Equal(t, "abcdefgh", body)

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(data))
	require.NoError(t, reader.Close())

	status, _ = do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Eventually(t, func() bool { return len(store.Keys()) == 0 }, waitFor, tick)
}

func TestMetricsEndpoint(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	_, srv := newTestServer(t, store, testConfig("node-1"))

	do(t, http.MethodPut, srv.URL+"/counters/c", `{"type":"unbounded-strong"}`)
	do(t, http.MethodPost, srv.URL+"/counters/c/add", "")

	status, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "gridsync_counter_operations_total")
}
