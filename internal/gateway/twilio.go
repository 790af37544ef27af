package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TwilioGateway delivers WhatsApp messages through Twilio's form-encoded
// REST API.
type TwilioGateway struct {
	client     *http.Client
	logger     *zap.Logger
	accountSID string
	authToken  string
	from       string
	baseURL    string
}

// TwilioConfig holds the Twilio account settings.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string // e.g. "whatsapp:+14155238886"
	Timeout    time.Duration
	BaseURL    string // overridden in tests
}

// NewTwilioGateway creates the production gateway adapter.
func NewTwilioGateway(cfg TwilioConfig, logger *zap.Logger) *TwilioGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}

	return &TwilioGateway{
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		baseURL:    baseURL,
	}
}

// SendText delivers a plain text message.
func (g *TwilioGateway) SendText(ctx context.Context, recipient, text string) error {
	form := url.Values{}
	form.Set("Body", text)
	return g.post(ctx, recipient, form)
}

// SendMedia delivers a media message with the caption as body text.
func (g *TwilioGateway) SendMedia(ctx context.Context, recipient, mediaURL, caption string) error {
	form := url.Values{}
	form.Set("Body", caption)
	form.Set("MediaUrl", mediaURL)
	return g.post(ctx, recipient, form)
}

func (g *TwilioGateway) post(ctx context.Context, recipient string, form url.Values) error {
	form.Set("From", whatsappAddr(g.from))
	form.Set("To", whatsappAddr(recipient))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.baseURL, g.accountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", ErrPermanent)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.accountSID, g.authToken)

	resp, err := g.client.Do(req)
	if err != nil {
		// Network failures and client timeouts are worth another attempt.
		return fmt.Errorf("twilio request failed: %v: %w", err, ErrTransient)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		g.logger.Debug("twilio message accepted",
			zap.String("recipient", recipient),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("twilio returned %d: %s: %w", resp.StatusCode, string(body), ErrTransient)
	default:
		// Remaining 4xx: bad recipient, bad credentials, malformed body.
		// Retrying will not change the outcome.
		return fmt.Errorf("twilio returned %d: %s: %w", resp.StatusCode, string(body), ErrPermanent)
	}
}

func whatsappAddr(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
