// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/jsonrpc"
)

// rootFieldsQuery only asks for what routing needs: root operation fields.
const rootFieldsQuery = `query RootFields {
  __schema {
    queryType { name fields { name } }
    mutationType { name fields { name } }
  }
}`

// staleSchemaMarker is the validation message servers return for a field the
// cached schema still lists.
const staleSchemaMarker = "Cannot query field"

const maxResponseBytes = 8 << 20

type rootType struct {
	Name   string `json:"name"`
	Fields []struct {
		Name string `json:"name"`
	} `json:"fields"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

func (h *Handler) introspect(ctx context.Context, rec *record) error {
	data, err := h.post(ctx, rec, rootFieldsQuery, nil, "graphql introspection")
	if err != nil {
		return err
	}
	var schema struct {
		Schema struct {
			QueryType    *rootType `json:"queryType"`
			MutationType *rootType `json:"mutationType"`
		} `json:"__schema"`
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		return errors.New(errors.CodeProtocol, "graphql introspection: malformed schema", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	rec.rootTypes = make(map[string]string)
	if t := schema.Schema.QueryType; t != nil {
		for _, f := range t.Fields {
			rec.rootTypes[f.Name] = "query"
		}
	}
	if t := schema.Schema.MutationType; t != nil {
		for _, f := range t.Fields {
			rec.rootTypes[f.Name] = "mutation"
		}
	}
	h.metrics.RecordSessionInitialized(ctx, Family)
	h.logger.InfoContext(ctx, "graphql schema introspected",
		"capability_id", rec.key.CapabilityID, "server_url", rec.endpoint,
		"session_id", string(rec.id), "root_fields", len(rec.rootTypes))
	return nil
}

func (h *Handler) execute(ctx context.Context, rec *record, args map[string]any) (any, error) {
	query, variables := rec.operation.query, args
	if query == "" {
		opType, ok := rec.rootTypes[rec.operation.field]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidInput, "graphql endpoint has no root field %q", rec.operation.field).
				WithContext("capability_id", rec.key.CapabilityID)
		}
		query, variables = buildQuery(opType, rec.operation.field, args, rec.operation.selection), nil
	}
	data, err := h.post(ctx, rec, query, variables, "graphql request")
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.New(errors.CodeProtocol, "graphql request: malformed data", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	return out, nil
}

// buildQuery renders a single-field operation with inline arguments in key order.
func buildQuery(opType, field string, args map[string]any, selection string) string {
	var argStr string
	if len(args) > 0 {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, formatValue(args[k])))
		}
		argStr = "(" + strings.Join(parts, ", ") + ")"
	}
	if selection == "" {
		selection = "__typename"
	}
	return fmt.Sprintf(`%s { %s%s { %s } }`, opType, field, argStr, selection)
}

// formatValue renders a Go value as a GraphQL literal.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		b, _ := json.Marshal(val)
		return string(b)
	case bool:
		return fmt.Sprintf("%t", val)
	case int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, formatValue(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, formatValue(val[k])))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case nil:
		return "null"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// post sends one GraphQL document and returns the data member.
func (h *Handler) post(ctx context.Context, rec *record, query string, variables map[string]any, op string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, rec.timeout)
	defer cancel()

	payload := map[string]any{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, op+": encode request", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, op+": build request", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	headers := map[string]string{"Content-Type": "application/json", "Accept": "application/json"}
	if rec.token != "" {
		headers["Authorization"] = "Bearer " + rec.token
	}
	jsonrpc.ApplyHeaders(ctx, req, headers)

	resp, err := h.client.Do(req)
	if err != nil {
		e := errors.New(errors.CodeTransport, op+" failed", err).
			WithContext("capability_id", rec.key.CapabilityID)
		if stderrors.Is(err, context.DeadlineExceeded) {
			e = e.WithRecoverable(true)
		}
		return nil, e
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.CodeTransport, "%s: http %d: %s", op, resp.StatusCode, jsonrpc.HTTPErrorDetail(resp)).
			WithContext("capability_id", rec.key.CapabilityID).
			WithAttribute("http.status_code", fmt.Sprint(resp.StatusCode)).
			WithRecoverable(resp.StatusCode >= 500)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.New(errors.CodeTransport, op+": read response", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	var decoded gqlResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.New(errors.CodeProtocol, op+": malformed response", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	if len(decoded.Errors) > 0 {
		msg := decoded.Errors[0].Message
		code := errors.CodeProtocol
		if strings.Contains(msg, staleSchemaMarker) {
			code = errors.CodeSessionExpired
		}
		return nil, errors.New(code, op+": "+msg, nil).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	if len(decoded.Data) == 0 {
		return nil, errors.New(errors.CodeProtocol, op+": response has no data", nil).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	return decoded.Data, nil
}
