package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWeightSetterClientPublish(t *testing.T) {
	var received WeightPublication
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/publish" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PublicationResponse{Accepted: true})
	}))
	defer server.Close()

	client := NewWeightSetterClient(server.URL, time.Second)
	pub := WeightPublication{
		EpochID:        "epoch-1",
		MinerScores:    map[string]float64{"miner-a": 1.0},
		ZipcodeWeights: map[string]float64{"19103": 1.0},
		ConsensusHash:  "abc123",
	}

	resp, err := client.Publish(context.Background(), pub)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !resp.Accepted {
		t.Fatal("expected sink to accept the publication")
	}
	if received.EpochID != "epoch-1" {
		t.Errorf("received EpochID = %q, want epoch-1", received.EpochID)
	}
}

func TestWeightSetterClientPublishRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PublicationResponse{Accepted: false, Reason: "duplicate epoch_id"})
	}))
	defer server.Close()

	client := NewWeightSetterClient(server.URL, time.Second)
	resp, err := client.Publish(context.Background(), WeightPublication{EpochID: "epoch-1"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if resp.Accepted {
		t.Fatal("expected rejection for a duplicate epoch_id")
	}
}

func TestWeightSetterClientPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewWeightSetterClient(server.URL, time.Second)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestWeightSetterClientPingFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewWeightSetterClient(server.URL, time.Second)
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error for a non-200 healthz response")
	}
}
