package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBody          = 4 << 10
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: access token is required")
)

// ClientConfig describes how to reach the data service.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
	// OnNotification receives push messages arriving on realtime feeds.
	OnNotification func(Notification)
}

// Client implements Service over HTTP and WebSocket.
type Client struct {
	baseURL        *url.URL
	token          string
	httpClient     *http.Client
	dialer         *websocket.Dialer
	logger         *zap.Logger
	onNotification func(Notification)
	// feeds counts the goroutines serving open realtime connections.
	feeds sync.WaitGroup
}

var _ Service = (*Client)(nil)

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawURL == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		token:          strings.TrimSpace(cfg.Token),
		httpClient:     httpClient,
		dialer:         dialer,
		logger:         logger,
		onNotification: cfg.OnNotification,
	}, nil
}

type itemEnvelope struct {
	Item json.RawMessage `json:"item"`
}

type itemsEnvelope struct {
	Items []json.RawMessage `json:"items"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func (c *Client) Insert(ctx context.Context, collection couple.Collection, payload json.RawMessage) (json.RawMessage, error) {
	var envelope itemEnvelope
	if err := c.do(ctx, http.MethodPost, collectionPath(collection), payload, &envelope); err != nil {
		return nil, err
	}
	return envelope.Item, nil
}

func (c *Client) Update(ctx context.Context, collection couple.Collection, id string, patch json.RawMessage) (json.RawMessage, error) {
	var envelope itemEnvelope
	if err := c.do(ctx, http.MethodPatch, entityPath(collection, id), patch, &envelope); err != nil {
		return nil, err
	}
	return envelope.Item, nil
}

func (c *Client) Delete(ctx context.Context, collection couple.Collection, id string) error {
	return c.do(ctx, http.MethodDelete, entityPath(collection, id), nil, nil)
}

func (c *Client) Query(ctx context.Context, collection couple.Collection) ([]json.RawMessage, error) {
	var envelope itemsEnvelope
	if err := c.do(ctx, http.MethodGet, collectionPath(collection), nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Items, nil
}

func (c *Client) Notify(ctx context.Context, collection couple.Collection, id string) error {
	body, err := json.Marshal(NotifyRequest{Collection: collection, ID: id})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/push/notify", body, nil)
}

// Membership reports the caller and the couple its token is bound to.
func (c *Client) Membership(ctx context.Context) (Membership, error) {
	var membership Membership
	if err := c.do(ctx, http.MethodGet, "/me/couple", nil, &membership); err != nil {
		return Membership{}, err
	}
	return membership, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func collectionPath(collection couple.Collection) string {
	return "/collections/" + url.PathEscape(collection.String())
}

func entityPath(collection couple.Collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

func (c *Client) endpoint(path string) string {
	resolved := *c.baseURL
	resolved.Path = strings.TrimRight(resolved.Path, "/") + path
	return resolved.String()
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return classifyStatus(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrProtocol, method, path, err)
	}
	return nil
}

func classifyStatus(response *http.Response) error {
	code := ""
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var envelope errorEnvelope
	if json.Unmarshal(raw, &envelope) == nil {
		code = envelope.Error
	}
	detail := fmt.Sprintf("status %d", response.StatusCode)
	if code != "" {
		detail += " " + code
	}
	switch {
	case response.StatusCode == http.StatusBadGateway,
		response.StatusCode == http.StatusServiceUnavailable,
		response.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", ErrUnavailable, detail)
	case response.StatusCode == http.StatusRequestTimeout,
		response.StatusCode == http.StatusTooManyRequests,
		response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrServer, detail)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, detail)
	}
}
