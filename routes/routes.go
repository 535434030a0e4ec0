package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/util/httputil"
	"github.com/wkalt/cstore/util/mw"
)

/*
Package routes exposes the keyspace registry over HTTP. Writes are submitted
as JSON mutations against a single partition key; reads return merged
partitions, index hits, and view rows. Administrative endpoints create and
drop tables, force flushes, truncate tables, and report flush state.
*/

////////////////////////////////////////////////////////////////////////////////

// MakeRoutes returns the router for the service. Requests from
// allowedOrigins are permitted cross-origin, and a nonempty sharedKey must be
// presented as a bearer token.
func MakeRoutes(reg *keyspace.Registry, allowedOrigins []string, sharedKey string) *mux.Router {
	r := mux.NewRouter()
	r.Use(
		mw.WithRequestID,
		mw.WithAccessLog,
		mw.WithCORSAllowedOrigins(allowedOrigins),
		mw.WithSharedKeyAuth(sharedKey),
	)
	r.HandleFunc("/keyspaces", newKeyspacesHandler(reg)).Methods("GET")
	r.HandleFunc("/keyspaces", newCreateKeyspaceHandler(reg)).Methods("POST")
	r.HandleFunc("/keyspaces/{keyspace}/apply", newApplyHandler(reg)).Methods("POST")
	r.HandleFunc("/keyspaces/{keyspace}/flush", newFlushHandler(reg)).Methods("POST")
	r.HandleFunc("/keyspaces/{keyspace}/truncate", newTruncateHandler(reg)).Methods("POST")
	r.HandleFunc("/keyspaces/{keyspace}/tables", newTablesHandler(reg)).Methods("GET")
	r.HandleFunc("/keyspaces/{keyspace}/tables", newCreateTableHandler(reg)).Methods("POST")
	r.HandleFunc("/keyspaces/{keyspace}/tables/{table}", newDropTableHandler(reg)).Methods("DELETE")
	r.HandleFunc("/keyspaces/{keyspace}/tables/{table}/partitions", newScanHandler(reg)).Methods("GET")
	r.HandleFunc("/keyspaces/{keyspace}/tables/{table}/partitions/{key}", newGetHandler(reg)).Methods("GET")
	r.HandleFunc("/keyspaces/{keyspace}/tables/{table}/indexes/{index}", newLookupHandler(reg)).Methods("GET")
	r.HandleFunc("/keyspaces/{keyspace}/views/{view}/partitions/{key}", newViewHandler(reg)).Methods("GET")
	r.HandleFunc("/stats", newStatsHandler(reg)).Methods("GET")
	return r
}

// openKeyspace resolves the keyspace named in the request path, responding
// with a 404 if it is not open.
func openKeyspace(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	reg *keyspace.Registry,
) (*keyspace.Keyspace, bool) {
	name := mux.Vars(r)["keyspace"]
	k, err := reg.Get(name)
	if err != nil {
		httputil.NotFound(ctx, w, "keyspace %s not found", name)
		return nil, false
	}
	return k, true
}

// respondError maps engine errors onto response codes.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keyspace.TableNotFoundError{}),
		errors.Is(err, keyspace.IndexNotFoundError{}),
		errors.Is(err, keyspace.ErrKeyspaceNotFound):
		httputil.NotFound(ctx, w, "%s", err)
	case errors.Is(err, keyspace.ErrTableExists):
		httputil.Conflict(ctx, w, "%s", err)
	case errors.Is(err, keyspace.ErrLockTimeout):
		httputil.ServiceUnavailable(ctx, w, "%s", err)
	case errors.Is(err, schema.ErrInvalidName):
		httputil.BadRequest(ctx, w, "%s", err)
	default:
		httputil.InternalServerError(ctx, w, "%s", err)
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		httputil.InternalServerError(ctx, w, "failed to encode response: %s", err)
	}
}
