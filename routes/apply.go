package routes

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/util/httputil"
	"github.com/wkalt/cstore/util/log"
)

// RowUpdate sets and deletes columns of one row. A nil value in Set is a
// deletion, as is every column named in Delete.
type RowUpdate struct {
	Clustering string             `json:"clustering"`
	Set        map[string]*string `json:"set,omitempty"`
	Delete     []string           `json:"delete,omitempty"`
}

// TableUpdate is the set of row updates to one table.
type TableUpdate struct {
	Table string      `json:"table"`
	Rows  []RowUpdate `json:"rows"`
}

// ApplyRequest is the request body for the apply endpoint. Every update
// targets the same partition key. A zero timestamp is replaced with the
// current time in microseconds.
type ApplyRequest struct {
	Key         string        `json:"key"`
	Timestamp   int64         `json:"timestamp,omitempty"`
	Updates     []TableUpdate `json:"updates"`
	SkipLog     bool          `json:"skipLog,omitempty"`
	SkipIndexes bool          `json:"skipIndexes,omitempty"`
}

func (req ApplyRequest) validate() error {
	if req.Key == "" {
		return errors.New("missing key")
	}
	if len(req.Updates) == 0 {
		return errors.New("missing updates")
	}
	for _, u := range req.Updates {
		if u.Table == "" {
			return errors.New("missing table")
		}
		if len(u.Rows) == 0 {
			return fmt.Errorf("no rows for table %s", u.Table)
		}
	}
	return nil
}

// mutation builds the mutation described by the request.
func (req ApplyRequest) mutation(k *keyspace.Keyspace) (*mutation.Mutation, error) {
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMicro()
	}
	key := mutation.StringKey(req.Key)
	m := mutation.New(k.Name(), key)
	for _, u := range req.Updates {
		store, err := k.Store(u.Table)
		if err != nil {
			return nil, err
		}
		update := mutation.NewPartitionUpdate(store.ID(), key)
		for _, row := range u.Rows {
			for col, value := range row.Set {
				if value == nil {
					update.Delete(row.Clustering, col, ts)
					continue
				}
				update.Set(row.Clustering, col, []byte(*value), ts)
			}
			for _, col := range row.Delete {
				update.Delete(row.Clustering, col, ts)
			}
		}
		if err := m.Add(update); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newApplyHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		req := ApplyRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(ctx, w, "error decoding request: %s", err)
			return
		}
		defer r.Body.Close()
		log.Debugw(ctx, "apply request",
			"keyspace", k.Name(),
			"key", req.Key,
			"tables", len(req.Updates),
		)
		if err := req.validate(); err != nil {
			httputil.BadRequest(ctx, w, "invalid request: %s", err)
			return
		}
		m, err := req.mutation(k)
		if err != nil {
			if errors.Is(err, keyspace.TableNotFoundError{}) {
				httputil.NotFound(ctx, w, "%s", err)
				return
			}
			httputil.BadRequest(ctx, w, "invalid request: %s", err)
			return
		}
		if err := k.Apply(ctx, m, !req.SkipLog, !req.SkipIndexes); err != nil {
			respondError(ctx, w, err)
			return
		}
	}
}
