// Package miner implements the mining loop a miner process runs: poll
// the coordinator for the active assignment, scrape each zipcode,
// normalize and persist the results, upload them to object storage, and
// report status back.
package miner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/authsig"
)

// AssignmentZipcode is the miner-facing view of one assigned zipcode
// (honeypots are never visible here; the coordinator strips them).
type AssignmentZipcode struct {
	Zipcode          string `json:"zipcode"`
	ExpectedListings int    `json:"expected_listings"`
	MarketTier       string `json:"market_tier"`
}

// Assignment is the coordinator's /assignments/current response.
type Assignment struct {
	EpochID        string              `json:"epoch_id"`
	StartAt        time.Time           `json:"start_at"`
	EndAt          time.Time           `json:"end_at"`
	TargetListings int                 `json:"target_listings"`
	TolerancePct   float64             `json:"tolerance_pct"`
	NonceHex       string              `json:"nonce_hex"`
	Zipcodes       []AssignmentZipcode `json:"zipcodes"`
}

// CoordinatorClient is the signed-envelope HTTP client a miner uses to
// talk to the coordinator.
type CoordinatorClient struct {
	baseURL string
	minerID string
	secret  []byte
	client  *http.Client
}

// NewCoordinatorClient builds a client against baseURL, authenticated as
// minerID with secret.
func NewCoordinatorClient(baseURL, minerID, secret string, timeout time.Duration) *CoordinatorClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CoordinatorClient{
		baseURL: baseURL,
		minerID: minerID,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: timeout},
	}
}

// CurrentAssignment fetches the active epoch's zipcode assignments.
func (c *CoordinatorClient) CurrentAssignment(ctx context.Context) (*Assignment, error) {
	resp, err := c.do(ctx, http.MethodGet, "/assignments/current", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("miner: assignments/current: %s: %s", resp.Status, body)
	}

	var a Assignment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("miner: decode assignment: %w", err)
	}
	return &a, nil
}

// ReportStatus pushes the miner's progress for an epoch to the coordinator.
func (c *CoordinatorClient) ReportStatus(ctx context.Context, epochID string, listingsScraped int, uploadComplete bool) error {
	body, err := json.Marshal(map[string]interface{}{
		"miner_id":         c.minerID,
		"epoch_id":         epochID,
		"listings_scraped": listingsScraped,
		"upload_complete":  uploadComplete,
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/assignments/status", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("miner: assignments/status: %s: %s", resp.Status, respBody)
	}
	return nil
}

func (c *CoordinatorClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Miner-Id", c.minerID)

	ts := time.Now().Unix()
	sig := authsig.Sign(c.secret, method, path, body, ts)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))

	return c.client.Do(req)
}
