package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/arbor-social/arbor/pkg/config"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

const contentType = "application/activity+json"

// RemoteActor is the wire representation of an actor fetched from another
// server.
type RemoteActor struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Inbox             string `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

// Client talks to other servers: it fetches actors and objects this server
// has not seen yet, and delivers activity payloads to remote inboxes.
type Client struct {
	http      *http.Client
	userAgent string
	workers   int
	logger    *zap.Logger
}

// New creates a new federation client
func New(cfg *config.FederationConfig) *Client {
	logger := logging.GetLogger().With(zap.String("component", "federation-client"))

	return &Client{
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		userAgent: cfg.UserAgent,
		workers:   cfg.DeliveryWorkers,
		logger:    logger,
	}
}

func (c *Client) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", uri, err)
	}
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, uri)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", uri, err)
	}
	return body, nil
}

// FetchActor fetches a remote actor document by its federation identifier.
func (c *Client) FetchActor(ctx context.Context, uri string) (*RemoteActor, error) {
	ctx, span := telemetry.StartSpan(ctx, "federation.fetch_actor")
	defer span.End()

	body, err := c.get(ctx, uri)
	if err != nil {
		return nil, err
	}

	var actor RemoteActor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actor %s: %w", uri, err)
	}
	if actor.ID == "" || actor.Inbox == "" {
		return nil, fmt.Errorf("actor document %s is missing id or inbox", uri)
	}

	return &actor, nil
}

// FetchObject fetches a remote object document by its federation identifier.
func (c *Client) FetchObject(ctx context.Context, uri string) (json.RawMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "federation.fetch_object")
	defer span.End()

	body, err := c.get(ctx, uri)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("object document %s is not valid JSON", uri)
	}
	return json.RawMessage(body), nil
}

// Deliver posts payload to every inbox, fanning out over a bounded worker
// pool. Failed deliveries are collected; the caller decides whether to retry.
func (c *Client) Deliver(ctx context.Context, payload []byte, inboxes []string) error {
	if len(inboxes) == 0 {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "federation.deliver")
	defer span.End()

	jobs := make(chan string)
	errs := make([]error, len(inboxes))
	var wg sync.WaitGroup

	workers := c.workers
	if workers > len(inboxes) {
		workers = len(inboxes)
	}

	index := make(map[string]int, len(inboxes))
	for i, inbox := range inboxes {
		index[inbox] = i
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inbox := range jobs {
				if err := c.deliverOne(ctx, payload, inbox); err != nil {
					errs[index[inbox]] = err
					c.logger.Warn("Delivery failed",
						zap.String("inbox", inbox),
						zap.Error(err))
				}
			}
		}()
	}

	for _, inbox := range inboxes {
		jobs <- inbox
	}
	close(jobs)
	wg.Wait()

	return errors.Join(errs...)
}

func (c *Client) deliverOne(ctx context.Context, payload []byte, inbox string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("inbox %s rejected delivery with status %d", inbox, resp.StatusCode)
	}

	c.logger.Debug("Delivered activity", zap.String("inbox", inbox))
	return nil
}
