package routes

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/util/httputil"
	"github.com/wkalt/cstore/util/log"
)

// TruncateRequest is the request body for the truncate endpoint.
type TruncateRequest struct {
	Table string `json:"table"`
}

func (req TruncateRequest) validate() error {
	if req.Table == "" {
		return errors.New("missing table")
	}
	return nil
}

func newTruncateHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		k, ok := openKeyspace(ctx, w, r, reg)
		if !ok {
			return
		}
		req := TruncateRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(ctx, w, "error decoding request: %s", err)
			return
		}
		defer r.Body.Close()
		log.Infow(ctx, "truncate request", "keyspace", k.Name(), "table", req.Table)
		if err := req.validate(); err != nil {
			httputil.BadRequest(ctx, w, "invalid request: %s", err)
			return
		}
		if err := k.Truncate(ctx, req.Table); err != nil {
			respondError(ctx, w, err)
			return
		}
	}
}
