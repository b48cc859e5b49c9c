package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/converge-vcs/converge/internal/authority"
	"github.com/converge-vcs/converge/internal/gate"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// Client talks to an authority over HTTP and implements Remote.
type Client struct {
	BaseURL string
	Repo    string
	User    string
	HTTP    *http.Client
}

// NewClient builds a client for one repo on one authority.
func NewClient(baseURL, repo, user string) *Client {
	return &Client{BaseURL: baseURL, Repo: repo, User: user, HTTP: http.DefaultClient}
}

func (c *Client) url(parts ...string) string {
	u := c.BaseURL + "/repos/" + url.PathEscape(c.Repo)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.User != "" {
		req.Header.Set("X-Converge-User", c.User)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, u, apiErr.Error, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, u, resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doJSON(ctx context.Context, method, u string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, u, body, "application/json", out)
}

// Missing implements Remote.
func (c *Client) Missing(ctx context.Context, kind store.Kind, ids []object.ID) ([]object.ID, error) {
	var resp struct {
		Missing []object.ID `json:"missing"`
	}
	err := c.doJSON(ctx, http.MethodPost, c.url("objects", string(kind), "missing"),
		map[string]interface{}{"ids": ids}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Missing, nil
}

// PutObject implements Remote.
func (c *Client) PutObject(ctx context.Context, kind store.Kind, id object.ID, data []byte) error {
	return c.do(ctx, http.MethodPut, c.url("objects", string(kind), string(id)),
		bytes.NewReader(data), "application/octet-stream", nil)
}

// GetObject implements Remote.
func (c *Client) GetObject(ctx context.Context, kind store.Kind, id object.ID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("objects", string(kind), string(id)), nil)
	if err != nil {
		return nil, err
	}
	if c.User != "" {
		req.Header.Set("X-Converge-User", c.User)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET object %s/%s: %s", kind, id, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Publish creates a publication for an uploaded snap.
func (c *Client) Publish(ctx context.Context, snapID, scope, gateID, lane, notes string, res *authority.ResolutionProvenance) (*authority.Publication, error) {
	var pub authority.Publication
	err := c.doJSON(ctx, http.MethodPost, c.url("publications"), map[string]interface{}{
		"snap_id":    snapID,
		"scope":      scope,
		"gate":       gateID,
		"lane":       lane,
		"notes":      notes,
		"resolution": res,
	}, &pub)
	if err != nil {
		return nil, err
	}
	return &pub, nil
}

// CreateBundle coalesces inputs on the authority.
func (c *Client) CreateBundle(ctx context.Context, scope, gateID string, inputs []string) (*authority.Bundle, error) {
	var bundle authority.Bundle
	err := c.doJSON(ctx, http.MethodPost, c.url("bundles"), map[string]interface{}{
		"scope": scope, "gate": gateID, "inputs": inputs,
	}, &bundle)
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// GetBundle fetches one bundle record.
func (c *Client) GetBundle(ctx context.Context, id string) (*authority.Bundle, error) {
	var bundle authority.Bundle
	if err := c.doJSON(ctx, http.MethodGet, c.url("bundles", id), nil, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Approve records the caller's approval.
func (c *Client) Approve(ctx context.Context, bundleID string) (*authority.Bundle, error) {
	var bundle authority.Bundle
	err := c.doJSON(ctx, http.MethodPost, c.url("bundles", bundleID, "approve"),
		map[string]interface{}{}, &bundle)
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Promote advances a bundle.
func (c *Client) Promote(ctx context.Context, bundleID, toGate string) (*authority.Promotion, error) {
	var promotion authority.Promotion
	err := c.doJSON(ctx, http.MethodPost, c.url("bundles", bundleID, "promote"),
		map[string]interface{}{"to_gate": toGate}, &promotion)
	if err != nil {
		return nil, err
	}
	return &promotion, nil
}

// Release points a channel at a bundle.
func (c *Client) Release(ctx context.Context, bundleID, channel, notes string) (*authority.Release, error) {
	var release authority.Release
	err := c.doJSON(ctx, http.MethodPost, c.url("bundles", bundleID, "release"),
		map[string]interface{}{"channel": channel, "notes": notes}, &release)
	if err != nil {
		return nil, err
	}
	return &release, nil
}

// GC triggers collection on the authority.
func (c *Client) GC(ctx context.Context, dryRun bool, pruneKeepLast *int) (*authority.GCReport, error) {
	var report authority.GCReport
	err := c.doJSON(ctx, http.MethodPost, c.url("gc"), map[string]interface{}{
		"dry_run":                  dryRun,
		"prune_releases_keep_last": pruneKeepLast,
	}, &report)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// GateGraph fetches the repo's gate graph.
func (c *Client) GateGraph(ctx context.Context) (*gate.Graph, error) {
	var g gate.Graph
	if err := c.doJSON(ctx, http.MethodGet, c.url("gate-graph"), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// PutGateGraph replaces the repo's gate graph.
func (c *Client) PutGateGraph(ctx context.Context, doc []byte) (*gate.Graph, error) {
	var g gate.Graph
	err := c.do(ctx, http.MethodPut, c.url("gate-graph"), bytes.NewReader(doc),
		"application/json", &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
