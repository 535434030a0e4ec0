package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/wkalt/cstore/routes"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/util/httputil"
)

/*
Package client is a typed HTTP client for the cstore server. Every method maps
onto one route; non-2xx responses are returned as *StatusError carrying the
server's error message.
*/

////////////////////////////////////////////////////////////////////////////////

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Code    int
	Message string
	Detail  string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	target := &StatusError{}
	return errors.As(err, &target) && target.Code == http.StatusNotFound
}

// ErrPartitionNotFound is returned by Get when the table holds no data for
// the requested key.
var ErrPartitionNotFound = errors.New("partition not found")

// Client is a cstore client.
type Client struct {
	serverURL string
	httpc     *http.Client
}

// New returns a client for the server at serverURL. A nonempty sharedKey is
// sent as a bearer token on every request.
func New(serverURL, sharedKey string) *Client {
	return &Client{
		serverURL: serverURL,
		httpc:     NewHTTPClient(sharedKey),
	}
}

// Keyspaces lists the definitions of the open keyspaces.
func (c *Client) Keyspaces(ctx context.Context) ([]schema.Keyspace, error) {
	out := []schema.Keyspace{}
	if err := c.do(ctx, http.MethodGet, "/keyspaces", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateKeyspace opens a new keyspace.
func (c *Client) CreateKeyspace(ctx context.Context, def schema.Keyspace) error {
	return c.do(ctx, http.MethodPost, "/keyspaces", def, nil)
}

// Apply applies a mutation to a keyspace.
func (c *Client) Apply(ctx context.Context, keyspace string, req routes.ApplyRequest) error {
	return c.do(ctx, http.MethodPost, keyspacePath(keyspace, "apply"), req, nil)
}

// Get reads one partition of a table.
func (c *Client) Get(ctx context.Context, keyspace, table, key string) (*routes.Partition, error) {
	out := &routes.Partition{}
	path := keyspacePath(keyspace, "tables", table, "partitions", key)
	if err := c.do(ctx, http.MethodGet, path, nil, out); err != nil {
		if IsNotFound(err) && strings.HasPrefix(err.Error(), "partition ") {
			return nil, ErrPartitionNotFound
		}
		return nil, err
	}
	return out, nil
}

// Scan reads every partition of a table.
func (c *Client) Scan(ctx context.Context, keyspace, table string) ([]routes.Partition, error) {
	out := []routes.Partition{}
	path := keyspacePath(keyspace, "tables", table, "partitions")
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup finds the rows of a table whose indexed column equals value.
func (c *Client) Lookup(ctx context.Context, keyspace, table, index, value string) ([]routes.Hit, error) {
	out := []routes.Hit{}
	path := keyspacePath(keyspace, "tables", table, "indexes", index) + "?value=" + url.QueryEscape(value)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// View reads the rows of a materialized view under one view key.
func (c *Client) View(ctx context.Context, keyspace, view, key string) ([]routes.ViewRow, error) {
	out := []routes.ViewRow{}
	path := keyspacePath(keyspace, "views", view, "partitions", key)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Flush flushes the tables of a keyspace matching pattern and returns their
// names. An empty pattern flushes every table.
func (c *Client) Flush(ctx context.Context, keyspace, pattern string) ([]string, error) {
	out := routes.FlushResponse{}
	req := routes.FlushRequest{Tables: pattern}
	if err := c.do(ctx, http.MethodPost, keyspacePath(keyspace, "flush"), req, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

// Truncate discards the data of a table.
func (c *Client) Truncate(ctx context.Context, keyspace, table string) error {
	req := routes.TruncateRequest{Table: table}
	return c.do(ctx, http.MethodPost, keyspacePath(keyspace, "truncate"), req, nil)
}

// Tables reports the flush state of every table in a keyspace.
func (c *Client) Tables(ctx context.Context, keyspace string) ([]routes.TableStats, error) {
	out := []routes.TableStats{}
	if err := c.do(ctx, http.MethodGet, keyspacePath(keyspace, "tables"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTable adds a table to a keyspace.
func (c *Client) CreateTable(ctx context.Context, keyspace string, def schema.Table) error {
	return c.do(ctx, http.MethodPost, keyspacePath(keyspace, "tables"), def, nil)
}

// DropTable removes a table from a keyspace.
func (c *Client) DropTable(ctx context.Context, keyspace, table string) error {
	return c.do(ctx, http.MethodDelete, keyspacePath(keyspace, "tables", table), nil, nil)
}

// Stats reports memtable usage and the flush state of every keyspace.
func (c *Client) Stats(ctx context.Context) (*routes.StatsResponse, error) {
	out := &routes.StatsResponse{}
	if err := c.do(ctx, http.MethodGet, "/stats", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func keyspacePath(keyspace string, parts ...string) string {
	path := "/keyspaces/" + url.PathEscape(keyspace)
	for _, part := range parts {
		path += "/" + url.PathEscape(part)
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("error building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("error calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	response := httputil.ErrorResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil || response.Error == "" {
		return &StatusError{Code: resp.StatusCode, Message: resp.Status}
	}
	return &StatusError{
		Code:    resp.StatusCode,
		Message: response.Error,
		Detail:  response.Detail,
	}
}

type transport struct {
	key string
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.key != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.key)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// NewHTTPClient returns an HTTP client that authenticates with sharedKey.
func NewHTTPClient(sharedKey string) *http.Client {
	return &http.Client{
		Transport: &transport{key: sharedKey},
	}
}
