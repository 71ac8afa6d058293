package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"shardkv/pkg/cluster"
	"shardkv/pkg/dberrors"
)

// maxResponseSize bounds how much of a peer's reply is read.
const maxResponseSize = maxBodySize

// Client talks to shardkv nodes. It implements cluster.Forwarder for node
// to node forwarding and backs the CLI.
//
// Transport failures, undecodable bodies and unexpected statuses are
// reported as dberrors.ErrRemoteUnavailable; error envelopes are returned
// as *dberrors.Error with the peer's kind and message.
type Client struct {
	origin string
	peers  *xsync.MapOf[string, *http.Client]
}

var _ cluster.Forwarder = (*Client)(nil)

// NewClient creates a client. origin is this node's own address and marks
// outgoing requests as forwarded; the CLI passes "".
func NewClient(origin string) *Client {
	return &Client{
		origin: origin,
		peers:  xsync.NewMapOf[string, *http.Client](),
	}
}

// peer returns the pooled client of addr. Each peer gets its own transport
// so a slow node cannot starve connections to the others.
func (c *Client) peer(addr string) *http.Client {
	hc, _ := c.peers.LoadOrCompute(addr, func() *http.Client {
		return &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   2 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return hc
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

func (c *Client) Get(ctx context.Context, addr string, key []byte) ([]byte, bool, error) {
	reqURL := baseURL(addr) + "/get?key=" + url.QueryEscape(string(key))

	resp, err := c.do(ctx, addr, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, err
	}
	if !resp.Found() {
		return nil, false, nil
	}
	value, err := resp.Value()
	if err != nil {
		return nil, false, dberrors.Newf(dberrors.KindRemoteUnavailable, "%s: decode value: %v", addr, err)
	}
	return []byte(value), true, nil
}

func (c *Client) Set(ctx context.Context, addr string, key, value []byte) error {
	v := string(value)
	body, err := json.Marshal(SetRequest{Key: string(key), Value: &v})
	if err != nil {
		return fmt.Errorf("encode set request: %w", err)
	}
	_, err = c.do(ctx, addr, http.MethodPost, baseURL(addr)+"/set", body)
	return err
}

func (c *Client) Delete(ctx context.Context, addr string, key []byte) error {
	reqURL := baseURL(addr) + "/del?key=" + url.QueryEscape(string(key))
	_, err := c.do(ctx, addr, http.MethodPost, reqURL, nil)
	return err
}

// ShardInfo fetches the node's view of the topology.
func (c *Client) ShardInfo(ctx context.Context, addr string) (cluster.TopologyInfo, error) {
	var info cluster.TopologyInfo

	raw, status, err := c.roundTrip(ctx, addr, http.MethodGet, baseURL(addr)+"/shard-info", nil)
	if err != nil {
		return info, err
	}
	if status != http.StatusOK {
		return info, dberrors.Newf(dberrors.KindRemoteUnavailable, "%s: shard-info returned status %d", addr, status)
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, dberrors.Newf(dberrors.KindRemoteUnavailable, "%s: decode shard-info: %v", addr, err)
	}
	return info, nil
}

// do runs a key request and unwraps the envelope.
func (c *Client) do(ctx context.Context, addr, method, reqURL string, body []byte) (Response, error) {
	raw, status, err := c.roundTrip(ctx, addr, method, reqURL, body)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, dberrors.Newf(dberrors.KindRemoteUnavailable, "%s: unexpected response (status %d): %v", addr, status, err)
	}
	if err := resp.Err(); err != nil {
		return Response{}, err
	}
	if status != http.StatusOK || resp.Status != StatusSuccess {
		return Response{}, dberrors.Newf(dberrors.KindRemoteUnavailable, "%s: unexpected response status %d %q", addr, status, resp.Status)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, addr, method, reqURL string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, 0, dberrors.Newf(dberrors.KindValidation, "create %s request: %v", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	if c.origin != "" {
		req.Header.Set(headerForwarded, c.origin)
	}
	if id := RequestIDFrom(ctx); id != "" {
		req.Header.Set(headerRequestID, id)
	}

	resp, err := c.peer(addr).Do(req)
	if err != nil {
		return nil, 0, dberrors.Newf(dberrors.KindRemoteUnavailable, "%s %s: %v", method, addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, 0, dberrors.Newf(dberrors.KindRemoteUnavailable, "%s %s: read body: %v", method, addr, err)
	}
	return raw, resp.StatusCode, nil
}
