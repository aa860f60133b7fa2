// Package federation is the typed client for the secondary entity store's
// GraphQL endpoint. Only the operations the deletion pipeline needs are
// modeled: querying soft-deleted ids and issuing bulk delete mutations. Each
// object type maps to a fixed operation pair; there is no generic query
// builder.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrFederationDenied is returned when the endpoint rejects the service token.
var ErrFederationDenied = errors.New("federated store denied the request")

// SecondaryObjectType selects the operation pair used against the federated
// store.
type SecondaryObjectType string

const (
	SecondaryRun          SecondaryObjectType = "Run"
	SecondarySample       SecondaryObjectType = "Sample"
	SecondaryBulkDownload SecondaryObjectType = "BulkDownload"
)

// operationPair binds one object type to its fixed GraphQL documents and the
// response fields they come back under.
type operationPair struct {
	queryDoc      string
	queryField    string
	mutationDoc   string
	mutationField string
}

var operations = map[SecondaryObjectType]operationPair{
	SecondaryRun: {
		queryDoc: `query ($ids: [UUID!]) {
  workflowRuns(where: { id: { _in: $ids }, deletedAt: { _is_null: false } }) { id }
}`,
		queryField: "workflowRuns",
		mutationDoc: `mutation ($ids: [UUID!]) {
  deleteWorkflowRun(where: { id: { _in: $ids } }) { id }
}`,
		mutationField: "deleteWorkflowRun",
	},
	SecondarySample: {
		queryDoc: `query ($ids: [UUID!]) {
  samples(where: { id: { _in: $ids }, deletedAt: { _is_null: false } }) { id }
}`,
		queryField: "samples",
		mutationDoc: `mutation ($ids: [UUID!]) {
  deleteSample(where: { id: { _in: $ids } }) { id }
}`,
		mutationField: "deleteSample",
	},
	SecondaryBulkDownload: {
		queryDoc: `query ($ids: [UUID!]) {
  bulkDownloads(where: { id: { _in: $ids }, deletedAt: { _is_null: false } }) { id }
}`,
		queryField: "bulkDownloads",
		mutationDoc: `mutation ($ids: [UUID!]) {
  deleteBulkDownload(where: { id: { _in: $ids } }) { id }
}`,
		mutationField: "deleteBulkDownload",
	},
}

// Client talks to the federated store over HTTP. The oauth2 transport injects
// a freshly minted service token on every request.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a client whose requests are authorized by tokens. The
// token source is installed via oauth2.NewClient so every request carries a
// Bearer header minted for this job invocation.
func NewClient(ctx context.Context, endpoint string, tokens oauth2.TokenSource, timeout time.Duration) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := oauth2.NewClient(ctx, tokens)
	httpClient.Timeout = timeout
	return &Client{endpoint: endpoint, http: httpClient}, nil
}

// SoftDeletedIDs returns the subset of ids the federated store has marked
// soft-deleted.
func (c *Client) SoftDeletedIDs(ctx context.Context, objectType SecondaryObjectType, ids []string) ([]string, error) {
	op, err := operationsFor(objectType)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, op.queryDoc, op.queryField, ids)
}

// Delete issues the bulk delete mutation and returns the ids the store
// reports as deleted. The caller is responsible for comparing them against
// the requested set.
func (c *Client) Delete(ctx context.Context, objectType SecondaryObjectType, ids []string) ([]string, error) {
	op, err := operationsFor(objectType)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, op.mutationDoc, op.mutationField, ids)
}

func operationsFor(objectType SecondaryObjectType) (operationPair, error) {
	op, ok := operations[objectType]
	if !ok {
		return operationPair{}, fmt.Errorf("no federated operations for object type %q", objectType)
	}
	return op, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type idRecord struct {
	ID string `json:"id"`
}

type graphqlResponse struct {
	Data   map[string][]idRecord `json:"data"`
	Errors []graphqlError        `json:"errors"`
}

func (c *Client) execute(ctx context.Context, doc, field string, ids []string) ([]string, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("federation client not initialized")
	}
	payload, err := json.Marshal(graphqlRequest{
		Query:     doc,
		Variables: map[string]any{"ids": ids},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call federated store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrFederationDenied, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("federated store returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("federated store errors: %s", strings.Join(msgs, "; "))
	}

	records, ok := out.Data[field]
	if !ok {
		return nil, fmt.Errorf("response missing field %q", field)
	}
	results := make([]string, 0, len(records))
	for _, r := range records {
		results = append(results, r.ID)
	}
	return results, nil
}
