package routes

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/util/httputil"
	"github.com/wkalt/cstore/util/log"
	"golang.org/x/sync/errgroup"
)

// FlushRequest is the request body for the flush endpoint. Tables is a glob
// pattern over table names; an empty pattern flushes the whole keyspace.
type FlushRequest struct {
	Tables string `json:"tables,omitempty"`
}

// FlushResponse lists the flushed tables.
type FlushResponse struct {
	Tables []string `json:"tables"`
}

func newFlushHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		req := FlushRequest{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httputil.BadRequest(ctx, w, "error decoding request: %s", err)
				return
			}
		}
		defer r.Body.Close()
		pattern := req.Tables
		if pattern == "" {
			pattern = "*"
		}
		tables, err := k.MatchTables(pattern)
		if err != nil {
			httputil.BadRequest(ctx, w, "invalid request: %s", err)
			return
		}
		log.Infow(ctx, "flush request", "keyspace", k.Name(), "pattern", pattern, "tables", len(tables))
		group, gctx := errgroup.WithContext(ctx)
		for _, name := range tables {
			group.Go(func() error {
				return k.FlushTable(gctx, name)
			})
		}
		if err := group.Wait(); err != nil {
			respondError(ctx, w, err)
			return
		}
		writeJSON(ctx, w, FlushResponse{Tables: tables})
	}
}
