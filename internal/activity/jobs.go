package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/transformflow/internal/ir"
)

// Job states reported by the job service.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// JobConfig configures the batch job service client.
type JobConfig struct {
	BaseURL string
	// PollInterval is the minimum gap between status polls.
	PollInterval time.Duration
	// Timeout bounds one job from submission to a final state.
	Timeout time.Duration
}

// ErrJobNotFound is returned when the service does not know a job or output.
var ErrJobNotFound = errors.New("jobs: not found")

// JobClient talks to the batch job execution service over HTTP.
//
// Submissions carry the call key as Idempotency-Key, so a submission
// repeated after a crash attaches to the job already running.
type JobClient struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

var (
	_ Executor      = (*JobClient)(nil)
	_ SummarySource = (*JobClient)(nil)
)

// NewJobClient creates a client for the service at cfg.BaseURL.
func NewJobClient(cfg JobConfig, hc *http.Client, logger *zap.Logger) (*JobClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("jobs: invalid base URL %q", cfg.BaseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &JobClient{
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		timeout: timeout,
		logger:  logger,
	}, nil
}

type submitRequest struct {
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
	Attempt  int    `json:"attempt"`
}

type jobStatus struct {
	ID       string `json:"job_id"`
	State    string `json:"state"`
	ErrorLog string `json:"error_log,omitempty"`
}

// Execute submits the code and waits for the job to finish. A failed job
// is a failed result, not an error. Network errors, 5xx responses and a
// job that outlives the timeout are transient.
func (c *JobClient) Execute(ctx context.Context, call Call, in ir.ExecuteInput) (ir.ExecutionResult, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var job jobStatus
	err := c.do(ctx, http.MethodPost, "/jobs", call.Key,
		submitRequest{ClientID: in.ClientID, Code: in.Code, Attempt: in.Attempt}, &job)
	if err != nil {
		if ctx.Err() != nil {
			return ir.ExecutionResult{}, c.interrupted(parent, job.ID)
		}
		return ir.ExecutionResult{}, fmt.Errorf("submit job: %w", err)
	}

	log := c.logger.With(
		zap.String("instance_id", call.InstanceID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", in.Attempt),
	)
	log.Debug("job submitted")

	for {
		switch job.State {
		case JobSucceeded:
			log.Debug("job succeeded")
			return ir.ExecutionResult{Success: true}, nil
		case JobFailed:
			log.Debug("job failed")
			return ir.ExecutionResult{Success: false, ErrorLog: job.ErrorLog}, nil
		case JobPending, JobRunning:
		default:
			return ir.ExecutionResult{}, fmt.Errorf("job %s: unknown state %q", job.ID, job.State)
		}

		if err := c.pace(ctx); err != nil {
			return ir.ExecutionResult{}, c.interrupted(parent, job.ID)
		}
		var next jobStatus
		if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(job.ID), "", nil, &next); err != nil {
			switch {
			case ctx.Err() != nil:
				return ir.ExecutionResult{}, c.interrupted(parent, job.ID)
			case IsTransient(err):
				log.Debug("job poll failed", zap.Error(err))
				continue
			}
			return ir.ExecutionResult{}, fmt.Errorf("poll job %s: %w", job.ID, err)
		}
		if next.ID == "" {
			next.ID = job.ID
		}
		job = next
	}
}

// pace waits for the poll limiter or ctx.
func (c *JobClient) pace(ctx context.Context) error {
	r := c.limiter.Reserve()
	t := time.NewTimer(r.Delay())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// interrupted reports why a job wait ended early. The caller's own
// cancellation is returned as is; the client timeout is transient.
func (c *JobClient) interrupted(parent context.Context, jobID string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return Transient(fmt.Errorf("job %s did not finish within %s", jobID, c.timeout))
}

// Summary fetches the summary of a job output.
func (c *JobClient) Summary(ctx context.Context, outputRef string) (ir.OutputSummary, error) {
	var s ir.OutputSummary
	if err := c.do(ctx, http.MethodGet, "/outputs/"+escapeRef(outputRef)+"/summary", "", nil, &s); err != nil {
		return ir.OutputSummary{}, fmt.Errorf("output %s: %w", outputRef, err)
	}
	return s, nil
}

func (c *JobClient) do(ctx context.Context, method, path, idemKey string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrJobNotFound
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return Transient(fmt.Errorf("%s %s: %s", method, path, resp.Status))
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// escapeRef escapes each segment of a slash-separated ref.
func escapeRef(ref string) string {
	segs := strings.Split(ref, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
