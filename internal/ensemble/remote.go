package ensemble

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

	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/tracing"
	"github.com/tremor/tremor/pkg/clock"
)

// RemoteConfig configures how remote workers are contacted and polled.
type RemoteConfig struct {
	// PollInterval is the pause between two polls of GET /run.
	PollInterval time.Duration
	// PollTimeout bounds the total time a run may spend being polled.
	PollTimeout time.Duration
	// MaxPollErrors is the number of consecutive transport errors tolerated while polling.
	MaxPollErrors int
	// MaxResponseSize caps the body read from a worker.
	MaxResponseSize int64
}

// RemoteAdapter submits a run to a remote worker over HTTP and polls it until
// the worker reports a terminal outcome or the poll budget is spent.
type RemoteAdapter struct {
	req     models.ModelRunRequest
	baseURL string
	client  *http.Client
	breaker *Breaker
	cfg     RemoteConfig
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewRemoteAdapter creates an adapter for a run on the worker at baseURL.
func NewRemoteAdapter(req models.ModelRunRequest, baseURL string, client *http.Client, breaker *Breaker, cfg RemoteConfig, clk clock.Clock, logger zerolog.Logger) *RemoteAdapter {
	if clk == nil {
		clk = clock.New()
	}
	return &RemoteAdapter{
		req:     req,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With().Str("model_id", req.ModelID).Str("run_id", req.RunID).Logger(),
	}
}

// Request returns the run request.
func (a *RemoteAdapter) Request() models.ModelRunRequest { return a.req }

// Start runs the submit/poll exchange in the background.
func (a *RemoteAdapter) Start(ctx context.Context, done DoneFunc) {
	go func() {
		done(a.run(ctx))
	}()
}

func (a *RemoteAdapter) run(ctx context.Context) models.ModelRunResult {
	startedAt := a.clock.Now()
	fail := func(format string, args ...any) models.ModelRunResult {
		reason := fmt.Sprintf(format, args...)
		a.logger.Warn().Str("reason", reason).Msg("Remote model run failed")
		return failure(a.req, startedAt, a.clock.Now(), reason)
	}

	if !a.breaker.Allow() {
		return fail("%v for worker %s", models.ErrCircuitOpen, workerKey(a.baseURL))
	}
	if reason, ok := a.submit(ctx); !ok {
		return fail("%s", reason)
	}

	a.logger.Debug().Str("url", a.baseURL).Msg("Remote run accepted, polling")

	deadline := startedAt.Add(a.cfg.PollTimeout)
	pollErrors := 0
	for {
		timer := a.clock.NewTimer(a.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail("cancelled: %v", ctx.Err())
		case <-timer.C():
		}

		code, status, err := a.poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return fail("cancelled: %v", ctx.Err())
			}
			if isMalformed(err) {
				return fail("%v", err)
			}
			pollErrors++
			a.breaker.RecordFailure()
			if pollErrors >= a.cfg.MaxPollErrors {
				return fail("poll failed: %v", err)
			}
		case code == http.StatusOK:
			if status.RunID != "" && status.RunID != a.req.RunID {
				return fail("worker is serving run %s", status.RunID)
			}
			switch status.Status {
			case models.RunStatusComplete:
				return models.ModelRunResult{
					RunID:       a.req.RunID,
					ModelID:     a.req.ModelID,
					Success:     true,
					Payload:     status.Result,
					StartedAt:   startedAt,
					CompletedAt: a.clock.Now(),
				}
			case models.RunStatusError:
				return fail("%s", nonEmpty(status.Error, "worker reported an error"))
			default:
				return fail("unexpected run status %q", status.Status)
			}
		case code == http.StatusAccepted:
			pollErrors = 0
		case code == http.StatusNoContent:
			return fail("worker has no active run")
		case code >= http.StatusInternalServerError:
			a.breaker.RecordFailure()
			return fail("worker error: %s", nonEmpty(status.Error, fmt.Sprintf("HTTP %d", code)))
		default:
			return fail("unexpected poll response: HTTP %d", code)
		}

		if !a.clock.Now().Before(deadline) {
			return fail("poll timeout after %s", a.cfg.PollTimeout)
		}
	}
}

// submit posts the request to the worker. It reports whether the worker accepted the run.
func (a *RemoteAdapter) submit(ctx context.Context) (string, bool) {
	ctx, span := tracing.StartRemoteSpan(ctx, a.req.ModelID, http.MethodPost, a.baseURL+"/run")
	defer span.End()

	body, err := json.Marshal(a.req)
	if err != nil {
		a.breaker.RecordSuccess()
		return fmt.Sprintf("encode request: %v", err), false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		a.breaker.RecordFailure()
		tracing.RecordError(span, err)
		return fmt.Sprintf("build request: %v", err), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(models.HeaderRunID, a.req.RunID)
	req.Header.Set(models.HeaderModelID, a.req.ModelID)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.RecordFailure()
		tracing.RecordError(span, err)
		return fmt.Sprintf("submit: %v", err), false
	}
	defer resp.Body.Close()
	msg := a.errorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		a.breaker.RecordSuccess()
		tracing.SetSpanOK(span)
		return "", true
	case resp.StatusCode == http.StatusBadRequest:
		a.breaker.RecordSuccess()
		return "worker rejected request: " + nonEmpty(msg, "bad request"), false
	case resp.StatusCode == http.StatusServiceUnavailable:
		a.breaker.RecordSuccess()
		return "worker busy", false
	case resp.StatusCode >= http.StatusInternalServerError:
		a.breaker.RecordFailure()
		err := fmt.Errorf("worker error: HTTP %d", resp.StatusCode)
		tracing.RecordError(span, err)
		return err.Error(), false
	default:
		a.breaker.RecordSuccess()
		return fmt.Sprintf("unexpected submit response: HTTP %d", resp.StatusCode), false
	}
}

// poll asks the worker for the state of the run.
func (a *RemoteAdapter) poll(ctx context.Context) (int, models.RunStatusResponse, error) {
	var status models.RunStatusResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/run", nil)
	if err != nil {
		return 0, status, err
	}
	req.Header.Set(models.HeaderRunID, a.req.RunID)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, status, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseSize))
	if err != nil {
		return 0, status, fmt.Errorf("read poll response: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &status); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, status, errMalformed(err)
		}
	}
	return resp.StatusCode, status, nil
}

func (a *RemoteAdapter) errorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, a.cfg.MaxResponseSize))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

type malformedError struct{ err error }

func (e malformedError) Error() string { return "malformed poll response: " + e.err.Error() }

func (e malformedError) Unwrap() error { return e.err }

func errMalformed(err error) error { return malformedError{err: err} }

// isMalformed reports whether err came from an undecodable poll body.
func isMalformed(err error) bool {
	var m malformedError
	return errors.As(err, &m)
}

// workerKey returns the breaker key of a worker URL.
func workerKey(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
