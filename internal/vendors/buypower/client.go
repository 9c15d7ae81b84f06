package buypower

import (
	"context"
	"net/http"
	"strings"

	"vend/internal/domain"
	"vend/internal/vendors"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *Client) Vendor() domain.Vendor { return domain.Buypower }

func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if b == "" {
		b = "https://api.buypower.ng"
	}
	return b
}

func (c *Client) Purchase(ctx context.Context, req vendors.PurchaseRequest) (vendors.Response, error) {
	payload := map[string]any{
		"orderId":     req.Reference,
		"amount":      req.Amount,
		"disco":       req.Disco,
		"vendType":    string(req.VendType),
		"paymentType": "B2B",
	}
	switch req.UtilityType {
	case domain.UtilityElectricity:
		payload["meter"] = req.MeterNumber
		payload["vertical"] = "ELECTRICITY"
	case domain.UtilityAirtime:
		payload["phone"] = req.PhoneNumber
		payload["vertical"] = "VTU"
	case domain.UtilityData:
		payload["phone"] = req.PhoneNumber
		payload["tariffClass"] = req.ProductCode
		payload["vertical"] = "DATA"
	}

	httpReq, err := vendors.NewJSONRequest(ctx, http.MethodPost, c.base()+"/v2/vend", payload)
	if err != nil {
		return vendors.Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	return vendors.Do(c.HTTP, httpReq)
}

func (c *Client) Requery(ctx context.Context, req vendors.RequeryRequest) (vendors.Response, error) {
	httpReq, err := vendors.NewJSONRequest(ctx, http.MethodGet, c.base()+"/transaction/"+req.Reference, nil)
	if err != nil {
		return vendors.Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	return vendors.Do(c.HTTP, httpReq)
}

func (c *Client) Validate(ctx context.Context, req vendors.ValidateRequest) (vendors.ValidateResult, error) {
	httpReq, err := vendors.NewJSONRequest(ctx, http.MethodGet,
		c.base()+"/check/meter?meter="+req.MeterNumber+"&disco="+req.Disco+"&vendType="+string(req.VendType), nil)
	if err != nil {
		return vendors.ValidateResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := vendors.Do(c.HTTP, httpReq)
	if err != nil {
		return vendors.ValidateResult{}, err
	}
	out := vendors.ValidateResult{Raw: resp}
	if resp.Body != nil {
		out.CustomerName, _ = resp.Body["name"].(string)
		out.Address, _ = resp.Body["address"].(string)
	}
	return out, nil
}
