package irecharge

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"vend/internal/domain"
	"vend/internal/vendors"
)

// Client talks to irecharge's pwr_api. Every request carries an HMAC-SHA1
// hash of the pipe-joined parameters keyed by the private key; purchases and
// requeries additionally reuse the access_token the validation call issued.
type Client struct {
	BaseURL    string
	VendorID   string
	PublicKey  string
	PrivateKey string
	HTTP       *http.Client
}

func (c *Client) Vendor() domain.Vendor { return domain.Irecharge }

func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if b == "" {
		b = "https://irecharge.com.ng/pwr_api_live"
	}
	return b
}

func (c *Client) sign(parts ...string) string {
	mac := hmac.New(sha1.New, []byte(c.PrivateKey))
	_, _ = mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (vendors.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path+"?"+q.Encode(), nil)
	if err != nil {
		return vendors.Response{}, err
	}
	return vendors.Do(c.HTTP, req)
}

func (c *Client) Purchase(ctx context.Context, req vendors.PurchaseRequest) (vendors.Response, error) {
	q := url.Values{}
	q.Set("vendor_code", c.VendorID)
	q.Set("reference_id", req.Reference)
	q.Set("amount", req.Amount)
	q.Set("response_format", "json")

	switch req.UtilityType {
	case domain.UtilityElectricity:
		q.Set("meter", req.MeterNumber)
		q.Set("disco", req.Disco)
		q.Set("access_token", req.AccessToken)
		q.Set("hash", c.sign(c.VendorID, req.Reference, req.MeterNumber, req.Disco, req.Amount, req.AccessToken, c.PublicKey))
		return c.get(ctx, "/vend_power.php", q)
	case domain.UtilityData:
		q.Set("phone", req.PhoneNumber)
		q.Set("data_plan", req.ProductCode)
		q.Set("hash", c.sign(c.VendorID, req.Reference, req.PhoneNumber, req.ProductCode, c.PublicKey))
		return c.get(ctx, "/vend_data.php", q)
	default:
		q.Set("phone", req.PhoneNumber)
		q.Set("hash", c.sign(c.VendorID, req.Reference, req.PhoneNumber, req.Amount, c.PublicKey))
		return c.get(ctx, "/vend_airtime.php", q)
	}
}

func (c *Client) Requery(ctx context.Context, req vendors.RequeryRequest) (vendors.Response, error) {
	q := url.Values{}
	q.Set("vendor_code", c.VendorID)
	q.Set("access_token", req.AccessToken)
	q.Set("type", "power")
	q.Set("response_format", "json")
	q.Set("hash", c.sign(c.VendorID, req.AccessToken, c.PublicKey))
	return c.get(ctx, "/vend_status.php", q)
}

// Validate checks the meter and issues the access_token subsequent purchase
// and requery calls must present.
func (c *Client) Validate(ctx context.Context, req vendors.ValidateRequest) (vendors.ValidateResult, error) {
	q := url.Values{}
	q.Set("vendor_code", c.VendorID)
	q.Set("reference_id", req.Reference)
	q.Set("meter", req.MeterNumber)
	q.Set("disco", req.Disco)
	q.Set("response_format", "json")
	q.Set("hash", c.sign(c.VendorID, req.Reference, req.MeterNumber, req.Disco, c.PublicKey))

	resp, err := c.get(ctx, "/get_meter_info.php", q)
	if err != nil {
		return vendors.ValidateResult{}, err
	}
	out := vendors.ValidateResult{Raw: resp}
	if resp.Body != nil {
		if cust, ok := resp.Body["customer"].(map[string]any); ok {
			out.CustomerName, _ = cust["name"].(string)
			out.Address, _ = cust["address"].(string)
		}
		out.AccessToken, _ = resp.Body["access_token"].(string)
	}
	return out, nil
}
