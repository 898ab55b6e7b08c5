package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Confirmation is the purchase receipt dispatched after commit. Delivery is
// fire-and-forget from the pipeline's perspective; a failure never rolls the
// order back.
type Confirmation struct {
	OrderID              uint64 `json:"order_id"`
	ProductTitle         string `json:"product_title"`
	FormattedPrice       string `json:"formatted_price"`
	CustomerEmail        string `json:"customer_email"`
	DownloadInstructions string `json:"download_instructions"`
}

type Notifier struct {
	url    string
	apiKey string
	client *http.Client
}

func NewNotifier(url, apiKey string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
	}
}

func (n *Notifier) SendConfirmation(ctx context.Context, confirmation *Confirmation) error {
	if n.url == "" {
		return errors.New("notification url is not configured")
	}

	body, err := json.Marshal(confirmation)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("X-API-Key", n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status=%d", resp.StatusCode)
	}
	return nil
}

// FormatPrice renders minor units for receipts, e.g. 2699900 INR -> "₹26,999.00".
func FormatPrice(amountCents int64, currency string) string {
	symbol := currencySymbol(currency)
	major := amountCents / 100
	minor := amountCents % 100
	if minor < 0 {
		minor = -minor
	}
	return symbol + groupDigits(major) + "." + fmt.Sprintf("%02d", minor)
}

func currencySymbol(currency string) string {
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case "INR":
		return "₹"
	case "USD":
		return "$"
	case "EUR":
		return "€"
	default:
		return strings.ToUpper(strings.TrimSpace(currency)) + " "
	}
}

func groupDigits(v int64) string {
	s := strconv.FormatInt(v, 10)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}

// DownloadInstructions names how many documents the purchase unlocks.
func DownloadInstructions(documentCount int32) string {
	if documentCount == 1 {
		return "Your purchase includes 1 document. Download it from your order page."
	}
	return fmt.Sprintf("Your purchase includes %d documents. Download them from your order page.", documentCount)
}
