// Package rpc provides the outbound client that publishes validated epoch
// weights to the external weight-setting sink.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WeightSetterClient posts the consensus-reconciled miner scores for an
// epoch to the external weight-setter sink named in configuration.
// Publication is idempotent per epoch: the sink is expected to key on
// epoch_id and reject (not double-apply) a repeat publish.
type WeightSetterClient struct {
	endpoint string
	client   *http.Client
}

// NewWeightSetterClient creates a client bound to the sink's endpoint.
func NewWeightSetterClient(endpoint string, timeout time.Duration) *WeightSetterClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WeightSetterClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// WeightPublication is the wire payload sent to the sink.
type WeightPublication struct {
	EpochID        string             `json:"epoch_id"`
	MinerScores    map[string]float64 `json:"miner_scores"`
	ZipcodeWeights map[string]float64 `json:"zipcode_weights"`
	ConsensusHash  string             `json:"consensus_hash"`
}

// PublicationResponse is the sink's acknowledgement.
type PublicationResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Publish sends one epoch's weights to the sink. The caller passes the
// already-reconciled consensus hash; Publish does not compute it.
func (w *WeightSetterClient) Publish(ctx context.Context, pub WeightPublication) (*PublicationResponse, error) {
	body, err := json.Marshal(pub)
	if err != nil {
		return nil, fmt.Errorf("weightsetter: marshal publication: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/publish", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("weightsetter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weightsetter: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("weightsetter: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weightsetter: sink returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out PublicationResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("weightsetter: parse response: %w", err)
	}
	return &out, nil
}

// Ping checks whether the sink is reachable.
func (w *WeightSetterClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weightsetter: healthz returned status %d", resp.StatusCode)
	}
	return nil
}
