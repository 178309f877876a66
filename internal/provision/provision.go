// Package provision is the boundary to the external host-provisioning API.
// Requests are fire-and-forget: completion is observed later through
// ExecutionHost status transitions, never awaited here.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Requester asks for a new execution host for an owner.
type Requester interface {
	RequestProvision(ctx context.Context, ownerID string) (string, error)
}

// HTTPRequester calls the provisioning API over HTTP. Each request carries an
// idempotency key so a retried call cannot create two hosts.
type HTTPRequester struct {
	baseURL string
	hc      *http.Client
}

func NewHTTPRequester(baseURL string) *HTTPRequester {
	return &HTTPRequester{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPRequester) RequestProvision(ctx context.Context, ownerID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"ownerId": ownerID})
	if err != nil {
		return "", fmt.Errorf("encode provision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/hosts", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build provision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := r.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("request provision for %s: %w", ownerID, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provision %s: status %d", ownerID, resp.StatusCode)
	}

	var out struct {
		HostID string `json:"hostId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode provision response: %w", err)
	}
	return out.HostID, nil
}

// NopRequester is used when no provisioning endpoint is configured.
type NopRequester struct{}

func (NopRequester) RequestProvision(ctx context.Context, ownerID string) (string, error) {
	return "", nil
}

// RecordingRequester captures requests for tests.
type RecordingRequester struct {
	Owners []string
}

func (r *RecordingRequester) RequestProvision(ctx context.Context, ownerID string) (string, error) {
	r.Owners = append(r.Owners, ownerID)
	return "host-" + ownerID, nil
}
