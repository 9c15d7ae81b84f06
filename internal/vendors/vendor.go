// Package vendors defines the capability surface every superagent client
// implements. Clients return the raw decoded body alongside the HTTP status
// so callers can hand vendor answers to the classifier without per-vendor
// interpretation; a non-nil error means the transport failed, not that the
// vendor declined.
package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"vend/internal/domain"
)

// Response is a vendor's raw answer. Body is nil when the payload was not
// JSON; Raw always carries whatever bytes came back.
type Response struct {
	HTTPStatus int
	Body       map[string]any
	Raw        []byte
}

type PurchaseRequest struct {
	TransactionID string
	Reference     string
	Amount        string
	MeterNumber   string
	Disco         string
	PhoneNumber   string
	ProductCode   string
	VendType      domain.VendType
	UtilityType   domain.UtilityType

	// Session token for vendors that require one (irecharge).
	AccessToken string
}

type RequeryRequest struct {
	TransactionID string
	Reference     string
	Disco         string
	AccessToken   string
	UtilityType   domain.UtilityType
}

type ValidateRequest struct {
	MeterNumber string
	Disco       string
	PhoneNumber string
	VendType    domain.VendType
	UtilityType domain.UtilityType
	Reference   string
}

// ValidateResult carries the customer details a validation call returns.
// AccessToken is set only by vendors that issue session tokens.
type ValidateResult struct {
	CustomerName string
	Address      string
	AccessToken  string
	Raw          Response
}

type Client interface {
	Vendor() domain.Vendor
	Purchase(ctx context.Context, req PurchaseRequest) (Response, error)
	Requery(ctx context.Context, req RequeryRequest) (Response, error)
	Validate(ctx context.Context, req ValidateRequest) (ValidateResult, error)
}

// Registry resolves the client for a superagent. The set is closed; asking
// for an unregistered vendor is a configuration error.
type Registry struct {
	clients map[domain.Vendor]Client
}

func NewRegistry(clients ...Client) *Registry {
	m := make(map[domain.Vendor]Client, len(clients))
	for _, c := range clients {
		m[c.Vendor()] = c
	}
	return &Registry{clients: m}
}

func (r *Registry) Client(v domain.Vendor) (Client, error) {
	c, ok := r.clients[v]
	if !ok {
		return nil, domain.ErrVendorNotFound
	}
	return c, nil
}

// Do executes an HTTP request and decodes the body into a Response. The
// status code and raw bytes are returned even on non-2xx answers; only a
// transport failure yields an error.
func Do(client *http.Client, req *http.Request) (Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	out := Response{HTTPStatus: resp.StatusCode, Raw: raw}

	var body map[string]any
	if json.Unmarshal(raw, &body) == nil {
		out.Body = body
	}
	return out, nil
}

// NewJSONRequest builds a POST with a JSON body and content type set.
func NewJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
