package routes

import (
	"net/http"

	"github.com/wkalt/cstore/keyspace"
)

// KeyspaceStats reports the flush state of one keyspace.
type KeyspaceStats struct {
	Name              string       `json:"name"`
	Durable           bool         `json:"durable"`
	PendingFlushBytes int64        `json:"pendingFlushBytes"`
	Tables            []TableStats `json:"tables"`
}

// StatsResponse is the response body of the stats endpoint.
type StatsResponse struct {
	MemtableBytes   int64           `json:"memtableBytes"`
	ReclaimingBytes int64           `json:"reclaimingBytes"`
	Keyspaces       []KeyspaceStats `json:"keyspaces"`
}

func newStatsHandler(reg *keyspace.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := StatsResponse{
			MemtableBytes:   reg.Pool().Used(),
			ReclaimingBytes: reg.Pool().Reclaiming(),
			Keyspaces:       []KeyspaceStats{},
		}
		for _, k := range reg.Keyspaces() {
			stats := KeyspaceStats{
				Name:              k.Name(),
				Durable:           k.Definition().DurableWrites,
				PendingFlushBytes: k.PendingFlushBytes(),
				Tables:            []TableStats{},
			}
			for _, s := range k.Stores() {
				stats.Tables = append(stats.Tables, newTableStats(s))
			}
			resp.Keyspaces = append(resp.Keyspaces, stats)
		}
		writeJSON(ctx, w, resp)
	}
}
