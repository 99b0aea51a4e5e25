package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"escrowflow/escrow"
)

// httpClient is shared by all collaborator adapters.
var httpClient = &http.Client{Timeout: 15 * time.Second}

// gatewayClient talks to the external payment provider. The engine never
// retries these calls; retry policy belongs to the caller.
type gatewayClient struct {
	baseURL string
}

func (g *gatewayClient) Capture(ctx context.Context, orderRef string) (string, error) {
	var out struct {
		ProviderPaymentID string `json:"provider_payment_id"`
	}
	err := postJSON(ctx, g.baseURL+"/captures", map[string]any{"order_ref": orderRef}, &out)
	if err != nil {
		return "", fmt.Errorf("gateway capture: %w", err)
	}
	return out.ProviderPaymentID, nil
}

func (g *gatewayClient) Refund(ctx context.Context, providerPaymentID string, amountMinorUnits int64) (string, error) {
	var out struct {
		ProviderRefundID string `json:"provider_refund_id"`
	}
	err := postJSON(ctx, g.baseURL+"/refunds", map[string]any{
		"provider_payment_id": providerPaymentID,
		"amount_minor_units":  amountMinorUnits,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("gateway refund: %w", err)
	}
	return out.ProviderRefundID, nil
}

// workClient reads unit-of-work progress and payee bindings from the request
// service.
type workClient struct {
	baseURL string
}

func (w *workClient) Status(ctx context.Context, requestID string) (escrow.WorkState, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := getJSON(ctx, w.baseURL+"/requests/"+url.PathEscape(requestID)+"/status", &out); err != nil {
		return "", fmt.Errorf("work status: %w", err)
	}
	return escrow.WorkState(out.State), nil
}

func (w *workClient) Assignment(ctx context.Context, requestID string) (escrow.Assignment, error) {
	var out struct {
		GroupID   string `json:"group_id"`
		Assignees []struct {
			PayeeID string `json:"payee_id"`
			Role    string `json:"role"`
			Active  bool   `json:"active"`
		} `json:"assignees"`
	}
	if err := getJSON(ctx, w.baseURL+"/requests/"+url.PathEscape(requestID)+"/assignment", &out); err != nil {
		return escrow.Assignment{}, fmt.Errorf("work assignment: %w", err)
	}

	assignment := escrow.Assignment{GroupID: out.GroupID}
	for _, a := range out.Assignees {
		assignment.Assignees = append(assignment.Assignees, escrow.Assignee{
			PayeeID: a.PayeeID,
			Role:    a.Role,
			Active:  a.Active,
		})
	}
	return assignment, nil
}

// notifyPublisher forwards outbox messages to the notification service.
type notifyPublisher struct {
	baseURL string
}

func (n *notifyPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	body, err := json.Marshal(map[string]any{
		"topic":   topic,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	return doRequest(ctx, http.MethodPost, n.baseURL+"/thirdparty/notify", body, nil)
}

func postJSON(ctx context.Context, target string, in map[string]any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return doRequest(ctx, http.MethodPost, target, body, out)
}

func getJSON(ctx context.Context, target string, out any) error {
	return doRequest(ctx, http.MethodGet, target, nil, out)
}

func doRequest(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
