package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/gridsync/internal/cluster"
	"github.com/dreamware/gridsync/internal/config"
	"github.com/dreamware/gridsync/internal/counter"
	"github.com/dreamware/gridsync/internal/readlock"
)

// maxObjectSize caps the body of an object upload.
const maxObjectSize = 64 << 20

// routes builds the HTTP API of the node.
//
// Endpoints:
//   - GET    /health                      liveness
//   - GET    /info                        node, members, owned segments, store stats
//   - GET    /counters                    defined counter names
//   - PUT    /counters/{name}             define a counter
//   - GET    /counters/{name}             current value
//   - DELETE /counters/{name}             remove the value, ?undefine=true also drops the definition
//   - POST   /counters/{name}/add?delta=N add N (default 1)
//   - POST   /counters/{name}/reset       back to the initial value
//   - POST   /counters/{name}/cas?expect=E&update=U  strong counters only
//   - GET    /objects                     object names
//   - PUT    /objects/{name}              create an object from the body
//   - GET    /objects/{name}              read an object under a read lock
//   - DELETE /objects/{name}              delete, deferred while readers are open
//   - GET    /metrics                     Prometheus metrics
func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		handleInfo(n, w, r)
	})

	mux.HandleFunc("GET /counters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"counters": n.counters.Names()})
	})
	mux.HandleFunc("PUT /counters/{name}", func(w http.ResponseWriter, r *http.Request) {
		handleDefineCounter(n.counters, w, r)
	})
	mux.HandleFunc("GET /counters/{name}", func(w http.ResponseWriter, r *http.Request) {
		handleGetCounter(n.counters, w, r)
	})
	mux.HandleFunc("DELETE /counters/{name}", func(w http.ResponseWriter, r *http.Request) {
		handleRemoveCounter(n.counters, w, r)
	})
	mux.HandleFunc("POST /counters/{name}/add", func(w http.ResponseWriter, r *http.Request) {
		handleAddCounter(n.counters, w, r)
	})
	mux.HandleFunc("POST /counters/{name}/reset", func(w http.ResponseWriter, r *http.Request) {
		handleResetCounter(n.counters, w, r)
	})
	mux.HandleFunc("POST /counters/{name}/cas", func(w http.ResponseWriter, r *http.Request) {
		handleCompareAndSwap(n.counters, w, r)
	})

	mux.HandleFunc("GET /objects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"objects": n.objects.List()})
	})
	mux.HandleFunc("PUT /objects/{name}", func(w http.ResponseWriter, r *http.Request) {
		handlePutObject(n.objects, w, r)
	})
	mux.HandleFunc("GET /objects/{name}", func(w http.ResponseWriter, r *http.Request) {
		handleGetObject(n.objects, n.logger, w, r)
	})
	mux.HandleFunc("DELETE /objects/{name}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteObject(n.objects, w, r)
	})

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type storeInfo struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

type nodeInfo struct {
	NodeID        string             `json:"node_id"`
	Uptime        string             `json:"uptime"`
	Members       []cluster.NodeInfo `json:"members"`
	OwnedSegments []int              `json:"owned_segments"`
	Segments      int                `json:"segments"`
	Store         storeInfo          `json:"store"`
	Counters      int                `json:"counters"`
	HeldReadLocks int                `json:"held_read_locks"`
}

func handleInfo(n *Node, w http.ResponseWriter, _ *http.Request) {
	stats := n.store.Stats()
	registry := n.topology.Registry()
	owned := registry.NodeSegments(n.ID)
	if owned == nil {
		owned = []int{}
	}
	writeJSON(w, http.StatusOK, nodeInfo{
		NodeID:        n.ID,
		Uptime:        time.Since(n.started).Round(time.Second).String(),
		Members:       n.Members(),
		OwnedSegments: owned,
		Segments:      registry.NumSegments(),
		Store:         storeInfo{Keys: stats.Keys, Bytes: stats.Bytes},
		Counters:      len(n.counters.Names()),
		HeldReadLocks: n.locks.Held(),
	})
}

type counterResponse struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Value   int64  `json:"value"`
	Swapped *bool  `json:"swapped,omitempty"`
}

func handleDefineCounter(m *counter.Manager, w http.ResponseWriter, r *http.Request) {
	var def config.Counter
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	def.Name = r.PathValue("name")
	cfg, err := def.Configuration()
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := m.Define(def.Name, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	// Report the stored definition, which wins over the request.
	if cfg, err = m.Configuration(def.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, config.Counter{
		Name:        def.Name,
		Type:        cfg.Type.String(),
		Initial:     cfg.InitialValue,
		Lower:       cfg.LowerBound,
		Upper:       cfg.UpperBound,
		Concurrency: cfg.ConcurrencyLevel,
	})
}

func handleGetCounter(m *counter.Manager, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	value, typ, err := counterValue(r.Context(), m, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{Name: name, Type: typ.String(), Value: value})
}

// counterValue reads name: the local snapshot for weak counters, the stored
// value for strong ones.
func counterValue(ctx context.Context, m *counter.Manager, name string) (int64, counter.Type, error) {
	cfg, err := m.Configuration(name)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Type == counter.Weak {
		c, err := m.SyncWeak(ctx, name)
		if err != nil {
			return 0, cfg.Type, err
		}
		return c.Value(), cfg.Type, nil
	}
	c, err := m.SyncStrong(name)
	if err != nil {
		return 0, cfg.Type, err
	}
	v, err := c.Value(ctx)
	return v, cfg.Type, err
}

func handleAddCounter(m *counter.Manager, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	delta := int64(1)
	if s := r.URL.Query().Get("delta"); s != "" {
		var err error
		if delta, err = strconv.ParseInt(s, 10, 64); err != nil {
			http.Error(w, "invalid delta", http.StatusBadRequest)
			return
		}
	}

	cfg, err := m.Configuration(name)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	var value int64
	if cfg.Type == counter.Weak {
		var c *counter.SyncWeakCounter
		if c, err = m.SyncWeak(ctx, name); err == nil {
			if err = c.Add(ctx, delta); err == nil {
				value = c.Value()
			}
		}
	} else {
		var c *counter.SyncStrongCounter
		if c, err = m.SyncStrong(name); err == nil {
			value, err = c.AddAndGet(ctx, delta)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{Name: name, Type: cfg.Type.String(), Value: value})
}

func handleResetCounter(m *counter.Manager, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := m.Configuration(name)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	if cfg.Type == counter.Weak {
		var c *counter.SyncWeakCounter
		if c, err = m.SyncWeak(ctx, name); err == nil {
			err = c.Reset(ctx)
		}
	} else {
		var c *counter.SyncStrongCounter
		if c, err = m.SyncStrong(name); err == nil {
			err = c.Reset(ctx)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleCompareAndSwap(m *counter.Manager, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := r.URL.Query()
	expect, err1 := strconv.ParseInt(q.Get("expect"), 10, 64)
	update, err2 := strconv.ParseInt(q.Get("update"), 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "expect and update must be integers", http.StatusBadRequest)
		return
	}

	c, err := m.SyncStrong(name)
	if err != nil {
		writeError(w, err)
		return
	}
	witnessed, err := c.CompareAndSwap(r.Context(), expect, update)
	if err != nil {
		writeError(w, err)
		return
	}
	swapped := witnessed == expect
	value := witnessed
	if swapped {
		value = update
	}
	writeJSON(w, http.StatusOK, counterResponse{
		Name:    name,
		Type:    c.Unwrap().Configuration().Type.String(),
		Value:   value,
		Swapped: &swapped,
	})
}

func handleRemoveCounter(m *counter.Manager, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var err error
	if undefine, _ := strconv.ParseBool(r.URL.Query().Get("undefine")); undefine {
		err = m.Undefine(r.Context(), name)
	} else {
		err = m.Remove(r.Context(), name)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type objectResponse struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Chunks     int       `json:"chunks"`
	Modified   time.Time `json:"modified"`
	Generation uuid.UUID `json:"generation"`
}

func newObjectResponse(name string, md readlock.Metadata) objectResponse {
	return objectResponse{
		Name:       name,
		Size:       md.Size,
		Chunks:     md.Chunks(),
		Modified:   md.Modified,
		Generation: md.Generation,
	}
}

func handlePutObject(d *readlock.Directory, w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	md, err := d.Create(r.Context(), name, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newObjectResponse(name, md))
}

func handleGetObject(d *readlock.Directory, logger *zap.Logger, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reader, err := d.Open(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("release object", zap.String("name", name), zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(reader.Size(), 10))
	w.Header().Set("X-Object-Generation", reader.Metadata().Generation.String())
	if _, err := io.Copy(w, reader); err != nil {
		logger.Warn("stream object", zap.String("name", name), zap.Error(err))
	}
}

func handleDeleteObject(d *readlock.Directory, w http.ResponseWriter, r *http.Request) {
	if err := d.Delete(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, counter.ErrNotDefined), errors.Is(err, readlock.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, counter.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, counter.ErrTypeMismatch),
		errors.Is(err, counter.ErrOutOfBounds),
		errors.Is(err, readlock.ErrExists):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
