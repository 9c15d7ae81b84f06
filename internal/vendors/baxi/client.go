package baxi

import (
	"context"
	"net/http"
	"strings"

	"vend/internal/domain"
	"vend/internal/vendors"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *Client) Vendor() domain.Vendor { return domain.Baxi }

func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if b == "" {
		b = "https://payments.baxipay.com.ng/api/baxipay"
	}
	return b
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (vendors.Response, error) {
	req, err := vendors.NewJSONRequest(ctx, method, c.base()+path, payload)
	if err != nil {
		return vendors.Response{}, err
	}
	req.Header.Set("x-api-key", c.APIKey)
	return vendors.Do(c.HTTP, req)
}

func (c *Client) Purchase(ctx context.Context, req vendors.PurchaseRequest) (vendors.Response, error) {
	switch req.UtilityType {
	case domain.UtilityElectricity:
		return c.do(ctx, http.MethodPost, "/services/electricity/request", map[string]any{
			"agentReference": req.Reference,
			"agentId":        req.TransactionID,
			"amount":         req.Amount,
			"account_number": req.MeterNumber,
			"service_type":   strings.ToLower(req.Disco) + "_electric_" + strings.ToLower(string(req.VendType)),
		})
	case domain.UtilityData:
		return c.do(ctx, http.MethodPost, "/services/databundle/request", map[string]any{
			"agentReference": req.Reference,
			"agentId":        req.TransactionID,
			"amount":         req.Amount,
			"phone":          req.PhoneNumber,
			"datacode":       req.ProductCode,
		})
	default:
		return c.do(ctx, http.MethodPost, "/services/airtime/request", map[string]any{
			"agentReference": req.Reference,
			"agentId":        req.TransactionID,
			"amount":         req.Amount,
			"phone":          req.PhoneNumber,
			"plan":           "prepaid",
		})
	}
}

func (c *Client) Requery(ctx context.Context, req vendors.RequeryRequest) (vendors.Response, error) {
	return c.do(ctx, http.MethodGet, "/superagent/transaction/requery?agentReference="+req.Reference, nil)
}

func (c *Client) Validate(ctx context.Context, req vendors.ValidateRequest) (vendors.ValidateResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/services/namefinder/query", map[string]any{
		"account_number": req.MeterNumber,
		"service_type":   strings.ToLower(req.Disco) + "_electric_" + strings.ToLower(string(req.VendType)),
	})
	if err != nil {
		return vendors.ValidateResult{}, err
	}
	out := vendors.ValidateResult{Raw: resp}
	if resp.Body != nil {
		if data, ok := resp.Body["data"].(map[string]any); ok {
			if user, ok := data["user"].(map[string]any); ok {
				out.CustomerName, _ = user["name"].(string)
				out.Address, _ = user["address"].(string)
			}
		}
	}
	return out, nil
}
