package routes

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/mview"
	"github.com/wkalt/cstore/util/httputil"
	"github.com/wkalt/cstore/util/log"
)

// Cell is a column value in a read response. Deleted cells are returned
// with no value so clients can tell a tombstone from an absent column.
type Cell struct {
	Value     *string `json:"value,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// Row is a row in a read response.
type Row struct {
	Clustering string          `json:"clustering"`
	Cells      map[string]Cell `json:"cells"`
}

// Partition is a merged partition of a table.
type Partition struct {
	Key  string `json:"key"`
	Rows []Row  `json:"rows"`
}

// Hit is a row found through an index.
type Hit struct {
	Key        string `json:"key"`
	Clustering string `json:"clustering"`
}

// ViewRow is a row of a materialized view.
type ViewRow struct {
	BaseKey string            `json:"baseKey"`
	Columns map[string]string `json:"columns"`
}

func newPartition(p *mutation.PartitionUpdate) Partition {
	out := Partition{Key: string(p.Key.Key), Rows: []Row{}}
	for _, row := range p.SortedRows() {
		cells := make(map[string]Cell, len(row.Cells))
		for col, c := range row.Cells {
			cell := Cell{Timestamp: c.Timestamp, Deleted: c.Deleted}
			if !c.Deleted {
				value := string(c.Value)
				cell.Value = &value
			}
			cells[col] = cell
		}
		out.Rows = append(out.Rows, Row{Clustering: row.Clustering, Cells: cells})
	}
	return out
}

func newGetHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		vars := mux.Vars(r)
		store, err := k.Store(vars["table"])
		if err != nil {
			respondError(ctx, w, err)
			return
		}
		p, found, err := store.Get(ctx, mutation.StringKey(vars["key"]))
		if err != nil {
			httputil.InternalServerError(ctx, w, "failed to read partition: %s", err)
			return
		}
		if !found {
			httputil.NotFound(ctx, w, "partition %s not found", vars["key"])
			return
		}
		writeJSON(ctx, w, newPartition(p))
	}
}

func newScanHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		store, err := k.Store(mux.Vars(r)["table"])
		if err != nil {
			respondError(ctx, w, err)
			return
		}
		parts, err := store.Scan(ctx)
		if err != nil {
			httputil.InternalServerError(ctx, w, "failed to scan table: %s", err)
			return
		}
		out := make([]Partition, 0, len(parts))
		for _, p := range parts {
			out = append(out, newPartition(p))
		}
		log.Debugw(ctx, "scan request", "table", store.Name(), "partitions", len(out))
		writeJSON(ctx, w, out)
	}
}

// newLookupHandler serves index lookups. The value to look up is passed as
// the "value" query parameter.
func newLookupHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		vars := mux.Vars(r)
		if !r.URL.Query().Has("value") {
			httputil.BadRequest(ctx, w, "invalid request: %s", errors.New("missing value"))
			return
		}
		value := r.URL.Query().Get("value")
		hits, err := k.Lookup(ctx, vars["table"], vars["index"], []byte(value))
		if err != nil {
			respondError(ctx, w, err)
			return
		}
		out := make([]Hit, 0, len(hits))
		for _, hit := range hits {
			out = append(out, Hit{Key: string(hit.Key.Key), Clustering: hit.Clustering})
		}
		writeJSON(ctx, w, out)
	}
}

func newViewHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		vars := mux.Vars(r)
		store, err := k.Store(vars["view"])
		if err != nil {
			respondError(ctx, w, err)
			return
		}
		p, _, err := store.Get(ctx, mutation.StringKey(vars["key"]))
		if err != nil {
			httputil.InternalServerError(ctx, w, "failed to read view: %s", err)
			return
		}
		rows := mview.Rows(p)
		out := make([]ViewRow, 0, len(rows))
		for _, row := range rows {
			cols := make(map[string]string, len(row.Columns))
			for col, v := range row.Columns {
				cols[col] = string(v)
			}
			out = append(out, ViewRow{BaseKey: string(row.BaseKey), Columns: cols})
		}
		writeJSON(ctx, w, out)
	}
}
