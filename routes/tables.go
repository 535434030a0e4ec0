package routes

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/table"
	"github.com/wkalt/cstore/util/httputil"
	"github.com/wkalt/cstore/util/log"
)

// TableStats reports the flush state of one table.
type TableStats struct {
	Name              string   `json:"name"`
	ID                string   `json:"id"`
	FlushGroup        []string `json:"flushGroup,omitempty"`
	Segments          int      `json:"segments"`
	Memtables         int      `json:"memtables"`
	LiveBytes         int64    `json:"liveBytes"`
	PendingFlushBytes int64    `json:"pendingFlushBytes"`
	DiscardedThrough  string   `json:"discardedThrough"`
}

func newTableStats(s *table.Store) TableStats {
	view := s.View()
	stats := TableStats{
		Name:              s.Name(),
		ID:                s.ID().String(),
		Segments:          len(view.Segments),
		Memtables:         len(view.Memtables()),
		LiveBytes:         s.LiveBytes(),
		PendingFlushBytes: s.PendingFlushBytes(),
		DiscardedThrough:  s.DiscardedThrough().String(),
	}
	if group := s.FlushGroup(); len(group) > 1 {
		for _, member := range group {
			stats.FlushGroup = append(stats.FlushGroup, member.Name())
		}
	}
	return stats
}

func newTablesHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		stores := k.Stores()
		out := make([]TableStats, 0, len(stores))
		for _, s := range stores {
			out = append(out, newTableStats(s))
		}
		writeJSON(ctx, w, out)
	}
}

func newCreateTableHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		req := schema.Table{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(ctx, w, "error decoding request: %s", err)
			return
		}
		defer r.Body.Close()
		log.Infow(ctx, "create table request",
			"keyspace", k.Name(),
			"table", req.Name,
			"indexes", len(req.Indexes),
			"views", len(req.Views),
		)
		if err := req.Validate(); err != nil {
			httputil.BadRequest(ctx, w, "invalid request: %s", err)
			return
		}
		if err := k.CreateTable(ctx, req); err != nil {
			respondError(ctx, w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func newDropTableHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		name := mux.Vars(r)["table"]
		log.Infow(ctx, "drop table request", "keyspace", k.Name(), "table", name)
		if err := k.DropTable(ctx, name); err != nil {
			respondError(ctx, w, err)
			return
		}
	}
}
