// Package jobs is the thin client for long-running collaborator services:
// the statistical differential-expression engine, RDF export, and ontology
// lookup. Each collaborator exposes the same narrow contract over NATS
// request/reply: submit returns a job id, poll returns status and an
// optional result. The collaborators' internals are theirs; only the
// contract lives here.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Kind identifies a collaborator job type.
type Kind string

const (
	// KindDiffExp is a differential-expression analysis run: sample
	// discovery, normalization, hypothesis testing, FDR correction.
	KindDiffExp Kind = "diffexp"

	// KindRDFExport serializes query results to an RDF document.
	KindRDFExport Kind = "rdf_export"

	// KindOntologyLookup is the ontology autocomplete/term lookup service.
	KindOntologyLookup Kind = "ontology_lookup"
)

// JobState is the coarse lifecycle reported by poll.
type JobState string

const (
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"
	StateDone    JobState = "done"
	StateFailed  JobState = "failed"
)

// SubmitResponse is the reply to a job submission.
type SubmitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// JobStatus is the reply to a poll.
type JobStatus struct {
	JobID  string          `json:"job_id"`
	State  JobState        `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s *JobStatus) Terminal() bool {
	return s.State == StateDone || s.State == StateFailed
}

// Client issues submit/poll requests over NATS.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient wraps an established NATS connection.
func NewClient(nc *nats.Conn, opts ...ClientOption) *Client {
	c := &Client{
		nc:      nc,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit requests a new job of the given kind and returns its id.
// Subject convention: jobs.submit.<kind>.
func (c *Client) Submit(ctx context.Context, kind Kind, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	msg, err := c.request(ctx, fmt.Sprintf("jobs.submit.%s", kind), data)
	if err != nil {
		return "", fmt.Errorf("submit %s job: %w", kind, err)
	}

	var resp SubmitResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return "", fmt.Errorf("parse submit response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("submit %s job: %s", kind, resp.Error)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("submit %s job: collaborator returned no job id", kind)
	}

	c.logger.Debug("Submitted collaborator job", "kind", kind, "job_id", resp.JobID)
	return resp.JobID, nil
}

// Poll fetches the current status of a job. Subject: jobs.status.
func (c *Client) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	data, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return nil, err
	}

	msg, err := c.request(ctx, "jobs.status", data)
	if err != nil {
		return nil, fmt.Errorf("poll job %s: %w", jobID, err)
	}

	var status JobStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return nil, fmt.Errorf("parse job status: %w", err)
	}
	return &status, nil
}

// Await polls until the job reaches a terminal state or the context ends.
func (c *Client) Await(ctx context.Context, jobID string, interval time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Poll(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// request performs one NATS request honoring both the context and the
// client's own timeout.
func (c *Client) request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.nc.RequestWithContext(reqCtx, subject, data)
}
