package routes

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/util/httputil"
	"github.com/wkalt/cstore/util/log"
)

func newKeyspacesHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		keyspaces := reg.Keyspaces()
		out := make([]schema.Keyspace, 0, len(keyspaces))
		for _, k := range keyspaces {
			out = append(out, k.Definition())
		}
		writeJSON(ctx, w, out)
	}
}

// newCreateKeyspaceHandler opens a keyspace from its definition. Opening a
// keyspace that is already open leaves it unchanged.
func newCreateKeyspaceHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := schema.Keyspace{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(ctx, w, "error decoding request: %s", err)
			return
		}
		defer r.Body.Close()
		log.Infow(ctx, "create keyspace request",
			"keyspace", req.Name,
			"durable", req.DurableWrites,
			"tables", len(req.Tables),
		)
		if err := req.Validate(); err != nil {
			httputil.BadRequest(ctx, w, "invalid request: %s", err)
			return
		}
		if _, err := reg.Open(ctx, req); err != nil {
			respondError(ctx, w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}
