// Package notify sends Discord/Telegram alerts for epoch-lifecycle events:
// a finalized epoch, a failed consensus reconciliation, and a honeypot trip.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/util"
)

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramURL  string `mapstructure:"telegram_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	SubnetName   string
	SubnetURL    string `mapstructure:"subnet_url"`
}

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyEpochFinalized sends notifications when an epoch's consensus result
// is reached and published to the weight-setter sink.
func (n *Notifier) NotifyEpochFinalized(epochID string, totalListings, totalWinners int, consensusHash string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordEpochFinalized(epochID, totalListings, totalWinners, consensusHash)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramEpochFinalized(epochID, totalListings, totalWinners, consensusHash)
	}
}

// NotifyConsensusFailed sends notifications when no hash reached the
// majority threshold for an epoch.
func (n *Notifier) NotifyConsensusFailed(epochID string, validatorCount int, hashes map[string]string) {
	if !n.cfg.Enabled {
		return
	}

	distinctHashes := map[string]struct{}{}
	for _, h := range hashes {
		distinctHashes[h] = struct{}{}
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordConsensusFailed(epochID, validatorCount, len(distinctHashes))
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramConsensusFailed(epochID, validatorCount, len(distinctHashes))
	}
}

// NotifyHoneypotTriggered sends notifications when a miner submits listings
// for an unpublished honeypot zipcode.
func (n *Notifier) NotifyHoneypotTriggered(epochID, minerID, zipcode string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordHoneypotTriggered(epochID, minerID, zipcode)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramHoneypotTriggered(epochID, minerID, zipcode)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordEpochFinalized(epochID string, totalListings, totalWinners int, consensusHash string) {
	embed := DiscordEmbed{
		Title:       "Epoch Finalized",
		Description: fmt.Sprintf("**%s** reached consensus on epoch `%s`", n.cfg.SubnetName, epochID),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Total Listings", Value: fmt.Sprintf("%d", totalListings), Inline: true},
			{Name: "Winners", Value: fmt.Sprintf("%d", totalWinners), Inline: true},
			{Name: "Consensus Hash", Value: truncateHash(consensusHash), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.cfg.SubnetName},
	}
	if n.cfg.SubnetURL != "" {
		embed.URL = n.cfg.SubnetURL
	}
	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordConsensusFailed(epochID string, validatorCount, distinctHashes int) {
	embed := DiscordEmbed{
		Title:       "Consensus Failed",
		Description: fmt.Sprintf("**%s** could not reach majority on epoch `%s`", n.cfg.SubnetName, epochID),
		Color:       0xFF0000, // Red
		Fields: []DiscordField{
			{Name: "Validators Reporting", Value: fmt.Sprintf("%d", validatorCount), Inline: true},
			{Name: "Distinct Hashes", Value: fmt.Sprintf("%d", distinctHashes), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.cfg.SubnetName},
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordHoneypotTriggered(epochID, minerID, zipcode string) {
	embed := DiscordEmbed{
		Title:       "Honeypot Triggered",
		Description: fmt.Sprintf("**%s** caught a miner submitting an unpublished zipcode", n.cfg.SubnetName),
		Color:       0xFFA500, // Orange
		Fields: []DiscordField{
			{Name: "Epoch", Value: epochID, Inline: true},
			{Name: "Miner", Value: minerID, Inline: true},
			{Name: "Zipcode", Value: zipcode, Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.cfg.SubnetName},
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessage sends a message to Discord webhook, retrying via
// sendDiscordMessageWithRetry
func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramEpochFinalized(epochID string, totalListings, totalWinners int, consensusHash string) {
	text := fmt.Sprintf(
		"*Epoch Finalized*\n\n"+
			"Epoch: `%s`\n"+
			"Total Listings: `%d`\n"+
			"Winners: `%d`\n"+
			"Consensus Hash: `%s`",
		epochID, totalListings, totalWinners, truncateHash(consensusHash),
	)
	n.sendTelegramMessage(text)
}

func (n *Notifier) sendTelegramConsensusFailed(epochID string, validatorCount, distinctHashes int) {
	text := fmt.Sprintf(
		"*Consensus Failed*\n\n"+
			"Epoch: `%s`\n"+
			"Validators Reporting: `%d`\n"+
			"Distinct Hashes: `%d`",
		epochID, validatorCount, distinctHashes,
	)
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramHoneypotTriggered(epochID, minerID, zipcode string) {
	text := fmt.Sprintf(
		"*Honeypot Triggered*\n\n"+
			"Epoch: `%s`\n"+
			"Miner: `%s`\n"+
			"Zipcode: `%s`",
		epochID, minerID, zipcode,
	)
	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessage sends a message via Telegram Bot API, retrying via
// sendTelegramMessageWithRetry
func (n *Notifier) sendTelegramMessage(text string) {
	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
