// Package shock implements the client for the external Shock blob store.
// Shock holds the bodies of large workspace objects; the workspace service
// creates nodes for pending uploads, grants per-user ACLs, polls node state
// during upload reconciliation, and relays node downloads for tickets.
package shock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
)

const userAgent = "bvbrc-workspace"

// Client talks to a Shock server. It holds no mutable state and is safe for
// concurrent use.
type Client struct {
	base   string
	client *http.Client
}

// NewClient creates a client for the Shock server at base (http or https).
func NewClient(base string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		client: client,
	}
}

// Base returns the configured Shock base URL.
func (c *Client) Base() string { return c.base }

// envelope is the standard Shock response wrapper.
type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  []string        `json:"error"`
}

// Node is the subset of a Shock node document the workspace service uses.
type Node struct {
	ID   string   `json:"id"`
	File NodeFile `json:"file"`
}

// NodeFile describes the uploaded file attached to a node. An empty Checksum
// map means the upload has not completed; any checksum (even for an empty
// file) marks completion.
type NodeFile struct {
	Name     string            `json:"name"`
	Size     int64             `json:"size"`
	Checksum map[string]string `json:"checksum"`
}

// UploadComplete reports whether the node's file carries an md5 checksum.
func (n *Node) UploadComplete() bool {
	_, ok := n.File.Checksum["md5"]
	return ok
}

// Error represents a failed Shock request.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("shock request failed: status %d: %s", e.Status, e.Message)
}

// CreateNode creates a new node tagged with the workspace object id and
// returns the node id. The node is created empty; the client uploads to it
// out of band.
func (c *Client) CreateNode(ctx context.Context, token, tag string) (string, error) {
	body, err := json.Marshal(map[string][]string{"ws_id": {tag}})
	if err != nil {
		return "", err
	}

	data, err := c.do(ctx, http.MethodPost, c.base+"/node", token, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return "", fmt.Errorf("decoding shock node: %w", err)
	}
	if node.ID == "" {
		return "", fmt.Errorf("shock returned a node with no id")
	}
	return node.ID, nil
}

// NodeURL returns the full URL of a node on this server.
func (c *Client) NodeURL(nodeID string) string {
	return c.base + "/node/" + nodeID
}

// GetNode fetches node state from a node URL, which may point at any Shock
// server, not only the configured one.
func (c *Client) GetNode(ctx context.Context, token, nodeURL string) (*Node, error) {
	data, err := c.do(ctx, http.MethodGet, nodeURL, token, nil)
	if err != nil {
		return nil, err
	}
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decoding shock node: %w", err)
	}
	return &node, nil
}

// AddACLUser grants username full access to the node.
func (c *Client) AddACLUser(ctx context.Context, nodeURL, token, username string) error {
	target := nodeURL + "/acl/all?users=" + url.QueryEscape(username)
	_, err := c.do(ctx, http.MethodPut, target, token, nil)
	return err
}

// Download opens a streaming download of the node body. The caller must
// close the returned reader. Size is -1 when the server does not report a
// content length.
func (c *Client) Download(ctx context.Context, nodeURL, token string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeURL+"?download", nil)
	if err != nil {
		return nil, 0, err
	}
	setHeaders(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("shock download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, &Error{Status: resp.StatusCode, Message: string(msg)}
	}
	return resp.Body, resp.ContentLength, nil
}

// ParseNodeID extracts the node id from a node URL.
func ParseNodeID(nodeURL string) (string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", fmt.Errorf("parsing node URL %q: %w", nodeURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "node" && i+1 < len(parts) {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("node URL %q carries no node id", nodeURL)
}

// do performs a request and unwraps the Shock envelope.
func (c *Client) do(ctx context.Context, method, target, token string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	setHeaders(req, token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shock %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading shock response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding shock response: %w", err)
	}
	if env.Status != http.StatusOK {
		msg := strings.Join(env.Error, "; ")
		logger.DebugCtx(ctx, "shock request failed",
			"method", method, "url", target, "status", env.Status, logger.KeyError, msg)
		return nil, &Error{Status: env.Status, Message: msg}
	}
	return env.Data, nil
}

func setHeaders(req *http.Request, token string) {
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "OAuth "+token)
	}
}
