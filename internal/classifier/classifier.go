// Package classifier interprets raw vendor responses through configured
// rule tables instead of per-vendor code paths. Vendors change their
// response shapes often; the rules live in reference tables so behavior is
// driven by configuration.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"vend/internal/domain"
	"vend/internal/observability"
)

// Actions a classification can yield. Unknown shapes always degrade to
// requery, never to success or hard failure.
const (
	ActionRequery = -1
	ActionSwitch  = 0
	ActionSuccess = 1
)

// RefCodes that designate extraction-only fields. Their extracted values
// form the token payload on success and never participate in matching.
const (
	RefCodeHTTPStatus = "HTTP_CODE"
	RefCodeToken      = "TOKEN"
	RefCodeTokenUnits = "TOKEN_UNITS"
)

// ResponsePath names one field to pull out of a vendor response: a dotted
// path into the JSON body bound to a refCode.
type ResponsePath struct {
	RequestType domain.RequestType
	Vendor      domain.Vendor
	Path        string
	RefCode     string
}

// ErrorCode maps a set of extracted refCode values to a master response
// code. Rows are reference data keyed by vendor + request type.
type ErrorCode struct {
	Vendor             domain.Vendor
	RequestType        domain.RequestType
	Expect             map[string]string
	MasterResponseCode int
}

// Matches reports whether every expected refCode value appears in the
// query. String comparison is case-insensitive; a row expecting a refCode
// the query lacks does not match.
func (e ErrorCode) Matches(query map[string]string) bool {
	if len(e.Expect) == 0 {
		return false
	}
	for code, want := range e.Expect {
		got, ok := query[code]
		if !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

// RuleSource supplies the classification tables. The pg store implements
// it; tests use an in-memory fake.
type RuleSource interface {
	ResponsePaths(ctx context.Context, requestType domain.RequestType, vendor domain.Vendor, isError bool) ([]ResponsePath, error)
	ErrorCodes(ctx context.Context, requestType domain.RequestType, vendor domain.Vendor) ([]ErrorCode, error)
}

type Input struct {
	RequestType domain.RequestType
	Vendor      domain.Vendor
	HTTPCode    int
	Response    map[string]any
	VendType    domain.VendType
	Disco       string
	IsError     bool
}

type Result struct {
	Action     int
	Token      string
	TokenUnits string
}

type Classifier struct {
	Rules RuleSource
}

// Classify maps a raw vendor response to an action. Missing configuration
// and unmatched responses both mean "don't know yet": action -1.
func (c *Classifier) Classify(ctx context.Context, in Input) (Result, error) {
	paths, err := c.Rules.ResponsePaths(ctx, in.RequestType, in.Vendor, in.IsError)
	if err != nil {
		return Result{}, fmt.Errorf("load response paths: %w", err)
	}
	if len(paths) == 0 {
		slog.Warn("no response paths configured",
			"vendor", in.Vendor, "request_type", in.RequestType, "is_error", in.IsError)
		return Result{Action: ActionRequery}, nil
	}

	// HTTP status is stored as a string in the tables, so coerce it.
	query := map[string]string{RefCodeHTTPStatus: strconv.Itoa(in.HTTPCode)}
	var token, units string
	for _, p := range paths {
		val, ok := Extract(in.Response, p.Path)
		if !ok {
			// A missing field just leaves its refCode unset; vendors
			// omit fields freely on failure shapes.
			slog.Debug("response field absent", "vendor", in.Vendor, "path", p.Path, "ref_code", p.RefCode)
			continue
		}
		switch p.RefCode {
		case RefCodeToken:
			token = val
		case RefCodeTokenUnits:
			units = val
		default:
			query[p.RefCode] = val
		}
	}

	rows, err := c.Rules.ErrorCodes(ctx, in.RequestType, in.Vendor)
	if err != nil {
		return Result{}, fmt.Errorf("load error codes: %w", err)
	}

	action := ActionRequery
	matched := false
	for _, row := range rows {
		if row.Matches(query) {
			action = row.MasterResponseCode
			matched = true
			break
		}
	}
	if !matched {
		slog.Info("no error-code row matched, defaulting to requery",
			"vendor", in.Vendor, "request_type", in.RequestType, "query", query)
	}

	observability.Classifications.WithLabelValues(string(in.Vendor), string(in.RequestType), strconv.Itoa(action)).Inc()

	out := Result{Action: action}
	if action == ActionSuccess && in.VendType == domain.Prepaid {
		out.Token = token
		out.TokenUnits = units
		if token == "" {
			// Diagnostic only: a prepaid success without a token usually
			// means the disco is down and the vendor will finalize late.
			slog.Warn("prepaid success without token", "vendor", in.Vendor, "disco", in.Disco)
		}
	}
	return out, nil
}

// Extract walks a dotted path ("data.token", "meta.0.units") through a
// decoded JSON value, stringifying whatever it lands on.
func Extract(body map[string]any, path string) (string, bool) {
	if body == nil || path == "" {
		return "", false
	}
	var cur any = body
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			cur = node[i]
		default:
			return "", false
		}
	}
	return stringify(cur), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers decode as float64; render integers without a
		// trailing ".0" so they match stored codes like "200".
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
