package sparql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an endpoint error body is retained.
const maxErrorBody = 4 * 1024

// serviceRefPattern matches abstract graph references emitted by templates
// for federation: SERVICE <graph://ontology> { ... }. The client rewrites
// them to concrete endpoint URLs before dispatch.
var serviceRefPattern = regexp.MustCompile(`<graph://([\w-]+)>`)

// Repairer performs the constrained query-fixing pass invoked when an
// endpoint rejects a generated query. Implementations must return only a
// rewritten query, never commentary.
type Repairer interface {
	RepairQuery(ctx context.Context, query, endpointError string) (string, error)
}

// ExecOptions controls one query execution.
type ExecOptions struct {
	// Endpoints lists the target endpoint URLs. The first is the primary
	// endpoint the query is sent to; the rest are only reachable through
	// SERVICE clauses.
	Endpoints []string

	// GraphEndpoints maps abstract graph names to endpoint URLs for
	// rewriting graph:// SERVICE references. Required for federated queries.
	GraphEndpoints map[string]string

	// Timeout bounds the execution. Zero uses the client default.
	Timeout time.Duration

	// Repair enables a single constrained repair attempt when the endpoint
	// reports a query error.
	Repair bool
}

// ExecResult is the outcome of a successful execution.
type ExecResult struct {
	Result *Result

	// ExecutedQuery is the exact query text sent to the endpoint, which
	// differs from the compiled query when federation rewriting occurred or
	// a repair pass succeeded.
	ExecutedQuery string

	// Endpoint is the endpoint the query was dispatched to.
	Endpoint string

	// Repaired is true when the result came from a repaired query.
	Repaired bool
}

// Client dispatches compiled queries to SPARQL endpoints with bounded
// timeouts and an optional single repair pass.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	repairer   Repairer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the default per-query timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRepairer sets the query repairer. Without one, the repair flag is a
// no-op and endpoint errors surface directly.
func WithRepairer(r Repairer) ClientOption {
	return func(c *Client) { c.repairer = r }
}

// NewClient creates a SPARQL execution client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    60 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute dispatches a compiled query. On an endpoint-reported query error
// with repair enabled, exactly one repair attempt is made before giving up.
// A deadline hit surfaces as ErrTimeout so callers can suggest narrowing
// scope rather than reporting a generic failure.
func (c *Client) Execute(ctx context.Context, query string, opts ExecOptions) (*ExecResult, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}
	primary := opts.Endpoints[0]

	executed, err := rewriteServiceRefs(query, opts.GraphEndpoints)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.send(ctx, primary, executed)
	if err == nil {
		return &ExecResult{Result: result, ExecutedQuery: executed, Endpoint: primary}, nil
	}

	var qerr *QueryError
	if opts.Repair && c.repairer != nil && errors.As(err, &qerr) && qerr.Repairable() {
		c.logger.Debug("Attempting query repair",
			"endpoint", primary,
			"status", qerr.Status)

		repaired, rerr := c.repairer.RepairQuery(ctx, executed, qerr.Message)
		if rerr != nil || strings.TrimSpace(repaired) == "" {
			c.logger.Warn("Query repair pass failed", "error", rerr)
			return nil, err
		}

		// One attempt only: a repaired query that fails again surfaces as
		// the repair attempt's failure, not the original endpoint error.
		result, retryErr := c.send(ctx, primary, repaired)
		if retryErr != nil {
			return nil, fmt.Errorf("repair attempt failed: %w", retryErr)
		}
		return &ExecResult{Result: result, ExecutedQuery: repaired, Endpoint: primary, Repaired: true}, nil
	}

	return nil, err
}

// send performs one HTTP round trip to a SPARQL endpoint.
func (c *Client) send(ctx context.Context, endpoint, query string) (*Result, error) {
	form := url.Values{}
	form.Set("query", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/sparql-results+json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, contextError(cerr, endpoint, time.Since(start))
		}
		return nil, fmt.Errorf("query %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, contextError(cerr, endpoint, time.Since(start))
		}
		return nil, fmt.Errorf("read results from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &QueryError{Endpoint: endpoint, Status: resp.StatusCode, Message: msg}
	}

	result, err := ParseResult(body)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
	}

	c.logger.Debug("Query executed",
		"endpoint", endpoint,
		"rows", result.Len(),
		"duration", time.Since(start).Round(time.Millisecond))

	return result, nil
}

// contextError maps a context failure during dispatch. Only a deadline hit
// is ErrTimeout with scope guidance; caller cancellation propagates as
// context.Canceled so it is never answered with timeout advice.
func contextError(cerr error, endpoint string, elapsed time.Duration) error {
	if errors.Is(cerr, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s (endpoint %s): try narrowing the query scope", ErrTimeout, elapsed.Round(time.Millisecond), endpoint)
	}
	return fmt.Errorf("query %s: %w", endpoint, cerr)
}

// rewriteServiceRefs resolves abstract graph:// SERVICE references to the
// concrete endpoint URLs of the federation. A reference to a graph the pack
// does not declare is a configuration error, caught before dispatch.
func rewriteServiceRefs(query string, graphEndpoints map[string]string) (string, error) {
	var missing string
	out := serviceRefPattern.ReplaceAllStringFunc(query, func(ref string) string {
		name := serviceRefPattern.FindStringSubmatch(ref)[1]
		endpoint, ok := graphEndpoints[name]
		if !ok {
			missing = name
			return ref
		}
		return "<" + endpoint + ">"
	})
	if missing != "" {
		return "", fmt.Errorf("query references unknown graph %q", missing)
	}
	return out, nil
}
