package alert

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/polywatch/engine/internal/store"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	telegramTimeout = 10 * time.Second
)

// TelegramChannel delivers alerts as HTML-formatted bot messages.
type TelegramChannel struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramChannel creates a channel sending through the given bot to the
// given chat.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		apiBase:  telegramAPIBase,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: telegramTimeout},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Endpoint() string { return t.chatID }

// Send renders and posts the signal via the Bot API.
func (t *TelegramChannel) Send(ctx context.Context, sig *store.Signal) error {
	payload := map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     t.buildMessage(sig),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status %d", resp.StatusCode)
	}
	return nil
}

func (t *TelegramChannel) buildMessage(sig *store.Signal) string {
	trade := sig.Trade

	marketName := sig.MarketTitle
	if marketName == "" {
		marketName = fmt.Sprintf("Market %s...", truncate(trade.MarketID, 16))
	}

	headerEmoji := "⚠️"
	if sig.IsHighConfidence() {
		headerEmoji = "\U0001F6A8"
	}

	sideEmoji := "\U0001F4C8"
	if trade.Side == store.SideSell {
		sideEmoji = "\U0001F4C9"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s ALERT: %s</b>\n\n", headerEmoji, html.EscapeString(marketName))
	fmt.Fprintf(&b, "<b>Side:</b> %s %s\n", trade.Side, sideEmoji)
	fmt.Fprintf(&b, "<b>Price:</b> %.2f¢\n", trade.Price)
	fmt.Fprintf(&b, "<b>Amount:</b> $%s\n", commafy(trade.USDValue))
	fmt.Fprintf(&b, "<b>Signal:</b> %s %s", sig.EmojiLine(), formatSignalText(sig))

	if sig.WalletTxCount >= 0 {
		fmt.Fprintf(&b, "\n<b>Wallet:</b> %d txs", sig.WalletTxCount)
	}
	if sig.HoursToClose >= 0 {
		fmt.Fprintf(&b, "\n<b>Closes in:</b> %.1fh", sig.HoursToClose)
	}

	b.WriteString("\n\n")
	if sig.MarketSlug != "" {
		fmt.Fprintf(&b, `<a href="https://polymarket.com/event/%s">view market</a>`, sig.MarketSlug)
	}
	if trade.TakerAddress != "" {
		if sig.MarketSlug != "" {
			b.WriteString(" | ")
		}
		fmt.Fprintf(&b, `<a href="https://polygonscan.com/address/%s">check wallet</a>`, trade.TakerAddress)
	}

	return b.String()
}

// formatSignalText joins the signal labels as plain text.
func formatSignalText(sig *store.Signal) string {
	if len(sig.SignalTypes) == 0 {
		return "Unknown"
	}

	parts := make([]string, 0, len(sig.SignalTypes))
	for _, st := range sig.SignalTypes {
		label := st.Label()
		if st == store.SignalFreshWallet && sig.WalletTxCount >= 0 {
			label = fmt.Sprintf("%s (%d txs)", label, sig.WalletTxCount)
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, " + ")
}
