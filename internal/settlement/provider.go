package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidPhone = errors.New("invalid mobile money phone number")

// ProviderClient starts an external deposit with the mobile money provider.
// The push is asynchronous: the customer approves on their handset and the
// provider reports the result on the callback endpoint later.
type ProviderClient interface {
	// InitiateDeposit pushes a payment prompt to phone for amountMinor
	// and returns the provider's tracking id for the attempt.
	InitiateDeposit(ctx context.Context, phone string, amountMinor int64, internalRef string) (string, error)
}

// NormalizePhone rewrites a phone number into the 254XXXXXXXXX form the
// provider API requires.
func NormalizePhone(phone string) string {
	phone = strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	phone = strings.ReplaceAll(phone, "-", "")
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		phone = "254" + phone[1:]
	}
	if !strings.HasPrefix(phone, "254") {
		phone = "254" + phone
	}
	return phone
}

var safaricomPrefixes = map[string]bool{
	"70": true, "71": true, "72": true, "74": true, "75": true,
	"76": true, "77": true, "78": true, "79": true, "11": true, "10": true,
}

// ValidatePhone normalizes and checks a Kenyan mobile money number.
func ValidatePhone(phone string) (string, error) {
	normalized := NormalizePhone(phone)
	if len(normalized) != 12 {
		return "", fmt.Errorf("%w: wrong length %q", ErrInvalidPhone, normalized)
	}
	for _, r := range normalized {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: non-digit characters", ErrInvalidPhone)
		}
	}
	if !safaricomPrefixes[normalized[3:5]] {
		return "", fmt.Errorf("%w: unrecognized prefix 0%s", ErrInvalidPhone, normalized[3:5])
	}
	return normalized, nil
}

// Callback is the normalized form of a provider result callback.
type Callback struct {
	TrackingID string
	MerchantID string
	ResultCode int
	ResultDesc string
	// Success-only metadata.
	AmountMinor int64
	ReceiptID   string
	Phone       string
	Raw         json.RawMessage
}

func (c *Callback) Success() bool { return c.ResultCode == 0 }

type stkCallbackBody struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes the provider's nested callback envelope. Amounts
// arrive in major units and are converted to minor units here.
func ParseCallback(raw []byte) (*Callback, error) {
	var body stkCallbackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("malformed callback body: %w", err)
	}
	stk := body.Body.StkCallback
	cb := &Callback{
		TrackingID: stk.CheckoutRequestID,
		MerchantID: stk.MerchantRequestID,
		ResultCode: stk.ResultCode,
		ResultDesc: stk.ResultDesc,
		Raw:        json.RawMessage(raw),
	}
	if stk.ResultCode != 0 {
		return cb, nil
	}
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var major float64
			if err := json.Unmarshal(item.Value, &major); err == nil {
				cb.AmountMinor = int64(major*100 + 0.5)
			}
		case "MpesaReceiptNumber":
			var s string
			if err := json.Unmarshal(item.Value, &s); err == nil {
				cb.ReceiptID = s
			}
		case "PhoneNumber":
			// Arrives as a bare number, occasionally as a string.
			var n json.Number
			if err := json.Unmarshal(item.Value, &n); err == nil {
				cb.Phone = n.String()
			} else {
				var s string
				if json.Unmarshal(item.Value, &s) == nil {
					cb.Phone = s
				}
			}
		}
	}
	return cb, nil
}

// DarajaConfig carries the provider API credentials.
type DarajaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// DarajaClient is the live STK push client. Tokens are cached until just
// before expiry.
type DarajaClient struct {
	logger *zap.Logger
	cfg    DarajaConfig
	http   *http.Client
	now    func() time.Time

	tokenMu    sync.Mutex
	token      string
	tokenUntil time.Time
}

func NewDarajaClient(logger *zap.Logger, cfg DarajaConfig) *DarajaClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &DarajaClient{
		logger: logger,
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

func (c *DarajaClient) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	// 60s safety buffer before the advertised expiry.
	if c.token != "" && c.now().Before(c.tokenUntil.Add(-time.Minute)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("malformed token response: %w", err)
	}
	expires := 3600 * time.Second
	if d, err := time.ParseDuration(payload.ExpiresIn + "s"); err == nil && d > 0 {
		expires = d
	}
	c.token = payload.AccessToken
	c.tokenUntil = c.now().Add(expires)
	return c.token, nil
}

// password is Base64(shortcode + passkey + timestamp).
func (c *DarajaClient) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
}

func (c *DarajaClient) InitiateDeposit(ctx context.Context, phone string, amountMinor int64, internalRef string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	timestamp := c.now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amountMinor / 100, // provider expects major units
		"PartyA":            phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  truncate(internalRef, 12),
		"TransactionDesc":   "Wallet topup",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("malformed push response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || result.ResponseCode != "0" {
		return "", fmt.Errorf("push rejected (%d): %s", resp.StatusCode, result.ResponseDescription)
	}

	c.logger.Info("settlement push initiated",
		zap.String("tracking_id", result.CheckoutRequestID),
		zap.String("internal_ref", internalRef))
	return result.CheckoutRequestID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
