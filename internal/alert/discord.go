package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/polywatch/engine/internal/store"
)

const discordTimeout = 10 * time.Second

// Embed colors: red for high-confidence signals, orange otherwise.
const (
	colorHigh   = 0xFF0000
	colorNormal = 0xFFA500
)

// DiscordChannel delivers alerts as rich webhook embeds.
type DiscordChannel struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordChannel creates a channel posting to the given webhook URL.
func NewDiscordChannel(webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: discordTimeout},
	}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Endpoint() string { return d.webhookURL }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title  string         `json:"title"`
	Color  int            `json:"color"`
	Fields []discordField `json:"fields"`
	Footer struct {
		Text string `json:"text"`
	} `json:"footer"`
	URL string `json:"url,omitempty"`
}

// Send renders and posts the signal. Discord answers 200 or 204 on success.
func (d *DiscordChannel) Send(ctx context.Context, sig *store.Signal) error {
	payload := map[string]interface{}{
		"embeds": []discordEmbed{d.buildEmbed(sig)},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal embed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}
	return nil
}

func (d *DiscordChannel) buildEmbed(sig *store.Signal) discordEmbed {
	trade := sig.Trade

	marketName := sig.MarketTitle
	if marketName == "" {
		marketName = fmt.Sprintf("Market %s...", truncate(trade.MarketID, 16))
	}

	header := "⚠️"
	color := colorNormal
	if sig.IsHighConfidence() {
		header = "\U0001F6A8"
		color = colorHigh
	}

	sideEmoji := "\U0001F4C8"
	if trade.Side == store.SideSell {
		sideEmoji = "\U0001F4C9"
	}

	fields := []discordField{
		{
			Name: "Trade",
			Value: fmt.Sprintf("%s **%s** @ %.2f¢\n**$%s** (%s shares)",
				sideEmoji, trade.Side, trade.Price, commafy(trade.USDValue), commafy(trade.Size)),
			Inline: true,
		},
		{
			Name:   "Signals",
			Value:  formatSignalLabels(sig),
			Inline: true,
		},
	}

	if sig.WalletTxCount >= 0 {
		wallet := "Unknown"
		if trade.TakerAddress != "" {
			wallet = truncate(trade.TakerAddress, 10) + "..."
		}
		fields = append(fields, discordField{
			Name:   "Wallet",
			Value:  fmt.Sprintf("`%s`\n%d transactions", wallet, sig.WalletTxCount),
			Inline: true,
		})
	}

	if sig.Has(store.SignalCluster) {
		fields = append(fields, discordField{
			Name:   "Cluster",
			Value:  fmt.Sprintf("%d wallets trading together", len(sig.ClusterWallets)),
			Inline: true,
		})
	}

	if sig.CurrentYesPrice >= 0 {
		fields = append(fields, discordField{
			Name:   "Current Odds",
			Value:  fmt.Sprintf("YES: %.0f%% | NO: %.0f%%", sig.CurrentYesPrice*100, sig.CurrentNoPrice*100),
			Inline: false,
		})
	}

	embed := discordEmbed{
		Title:  fmt.Sprintf("%s %s", header, marketName),
		Color:  color,
		Fields: fields,
	}
	embed.Footer.Text = fmt.Sprintf("Confidence: %.0f%% | %s",
		sig.Confidence*100, trade.Time().UTC().Format("15:04:05 UTC"))

	if sig.MarketSlug != "" {
		embed.URL = "https://polymarket.com/event/" + sig.MarketSlug
	}

	return embed
}

// formatSignalLabels lists every carried signal type with its emoji.
func formatSignalLabels(sig *store.Signal) string {
	if len(sig.SignalTypes) == 0 {
		return "Unknown"
	}

	out := ""
	for i, st := range sig.SignalTypes {
		if i > 0 {
			out += "\n"
		}
		out += st.Emoji() + " " + st.Label()
	}
	return out
}

// commafy renders a value as a whole number with thousands separators.
func commafy(v float64) string {
	s := fmt.Sprintf("%.0f", v)

	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
