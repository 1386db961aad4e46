// Package client talks to the capture backend's desktop API.
//
// Every request carries the signed-in user's bearer token. When no token is
// available the methods return pferrors.ErrNoCredentials without touching the
// network, and callers treat that as a quiet skip.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/otherjamesbrown/penf-capture/credentials"
	"github.com/otherjamesbrown/penf-capture/pkg/buildinfo"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
)

// Backend endpoints.
const (
	EndpointContext       = "/api/desktop/context"
	EndpointInterviews    = "/api/desktop/interviews"
	EndpointUploadToken   = "/api/desktop/recall-token"
	EndpointEvidence      = "/api/desktop/realtime-evidence"
	EndpointResolvePeople = "/api/desktop/people/resolve"
	EndpointFinalize      = "/api/desktop/interviews/finalize"
	EndpointUploadMedia   = "/api/desktop/interviews/upload-media"
)

// Per-call timeouts.
const (
	DefaultTimeout     = 30 * time.Second
	UploadTokenTimeout = 10 * time.Second
	EvidenceTimeout    = 15 * time.Second
	ResolveTimeout     = 15 * time.Second
	FinalizeTimeout    = 30 * time.Second
	PresignTimeout     = 15 * time.Second
	ConfirmTimeout     = 10 * time.Second
	MediaPutTimeout    = 5 * time.Minute
)

// MediaContentType is the content type of uploaded recordings.
const MediaContentType = "video/mp4"

// Config configures the backend client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond and Burst throttle backend calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	// UploadTimeout bounds the media PUT. Defaults to MediaPutTimeout.
	UploadTimeout time.Duration

	// FinalizeTimeout bounds the finalize call. Defaults to FinalizeTimeout.
	FinalizeTimeout time.Duration
}

// Client is the backend API client.
type Client struct {
	http    *resty.Client
	upload  *resty.Client
	tokens  credentials.TokenSource
	limiter *RateLimiter
	logger  logging.Logger
	metrics *observability.CaptureMetrics

	uploadTimeout   time.Duration
	finalizeTimeout time.Duration

	mu      sync.Mutex
	userCtx *UserContext
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) text() string {
	if e == nil {
		return ""
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// New creates a backend client. logger and metrics may be nil.
func New(cfg Config, tokens credentials.TokenSource, logger logging.Logger, metrics *observability.CaptureMetrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = MediaPutTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = FinalizeTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", buildinfo.UserAgent())

	return &Client{
		http:            rc,
		upload:          newUploadClient(rc),
		tokens:          tokens,
		limiter:         NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:          logger.With(logging.F("component", "backend")),
		metrics:         metrics,
		uploadTimeout:   cfg.UploadTimeout,
		finalizeTimeout: cfg.FinalizeTimeout,
	}
}

// Limiter exposes the client's rate limiter.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", pferrors.ErrNoCredentials
	}
	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", pferrors.ErrNoCredentials
	}
	return tok, nil
}

// do runs one JSON request against the backend.
func (c *Client) do(ctx context.Context, method, endpoint string, timeout time.Duration, body, result interface{}) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return pferrors.Classify(err, endpoint)
	}

	var apiErr apiError
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	start := time.Now()
	resp, err := req.Execute(method, endpoint)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordBackendRequest(endpoint, "error", elapsed)
		return pferrors.Classify(err, endpoint)
	}

	status := resp.StatusCode()
	c.metrics.RecordBackendRequest(endpoint, strconv.Itoa(status), elapsed)

	if resp.IsError() {
		if status == http.StatusTooManyRequests {
			c.limiter.RecordRateLimitError(parseRetryAfter(resp.Header().Get("Retry-After")))
		}
		if status == http.StatusUnauthorized {
			c.mu.Lock()
			c.userCtx = nil
			c.mu.Unlock()
		}
		c.logger.Debug("Backend request failed",
			logging.F("endpoint", endpoint),
			logging.F("status", status))
		return pferrors.HTTPError(endpoint, status, apiErr.text())
	}
	return nil
}

// UserContext returns the signed-in user's default account and project.
// The result is cached until the backend rejects the token.
func (c *Client) UserContext(ctx context.Context) (*UserContext, error) {
	c.mu.Lock()
	cached := c.userCtx
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var uc UserContext
	if err := c.do(ctx, http.MethodGet, EndpointContext, 0, nil, &uc); err != nil {
		return nil, err
	}
	if uc.DefaultAccountID == "" || uc.DefaultProjectID == "" {
		return nil, pferrors.New(pferrors.CodeBackendRejected, EndpointContext, "user has no default workspace", pferrors.ErrNotFound)
	}

	c.mu.Lock()
	c.userCtx = &uc
	c.mu.Unlock()
	return &uc, nil
}

// CreateInterview creates the backend interview for a meeting and returns its id.
func (c *Client) CreateInterview(ctx context.Context, req CreateInterviewRequest) (string, error) {
	var resp CreateInterviewResponse
	if err := c.do(ctx, http.MethodPost, EndpointInterviews, 0, req, &resp); err != nil {
		return "", err
	}
	if resp.InterviewID == "" {
		return "", pferrors.New(pferrors.CodeBackendRejected, EndpointInterviews, "response has no interview_id", nil)
	}
	return resp.InterviewID, nil
}

// CreateUploadToken requests the token the recording SDK needs to start capture.
func (c *Client) CreateUploadToken(ctx context.Context, accountID, projectID string) (string, error) {
	var resp uploadTokenResponse
	body := uploadTokenRequest{AccountID: accountID, ProjectID: projectID}
	if err := c.do(ctx, http.MethodPost, EndpointUploadToken, UploadTokenTimeout, body, &resp); err != nil {
		return "", err
	}
	if resp.UploadToken == "" {
		return "", pferrors.New(pferrors.CodeBackendRejected, EndpointUploadToken, "response has no upload_token", nil)
	}
	return resp.UploadToken, nil
}

// ExtractEvidence sends one batch of transcript turns for evidence extraction.
func (c *Client) ExtractEvidence(ctx context.Context, req EvidenceRequest) (*EvidenceResponse, error) {
	if req.ExistingEvidence == nil {
		req.ExistingEvidence = []string{}
	}
	var resp EvidenceResponse
	if err := c.do(ctx, http.MethodPost, EndpointEvidence, EvidenceTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolvePeople maps people onto workspace person records.
func (c *Client) ResolvePeople(ctx context.Context, req ResolvePeopleRequest) (*ResolvePeopleResponse, error) {
	var resp ResolvePeopleResponse
	if err := c.do(ctx, http.MethodPost, EndpointResolvePeople, ResolveTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinalizeInterview completes an interview with its transcript, tasks and people.
func (c *Client) FinalizeInterview(ctx context.Context, req FinalizeRequest) error {
	if req.Transcript == nil {
		req.Transcript = []FinalizeUtterance{}
	}
	if req.Tasks == nil {
		req.Tasks = []Task{}
	}
	if req.People == nil {
		req.People = []EnrichedPerson{}
	}
	if req.PeopleMap == nil {
		req.PeopleMap = []PersonMapping{}
	}
	var resp FinalizeResponse
	return c.do(ctx, http.MethodPost, EndpointFinalize, c.finalizeTimeout, req, &resp)
}

// RequestMediaUpload asks for a presigned URL to upload a recording to.
func (c *Client) RequestMediaUpload(ctx context.Context, req MediaUploadRequest) (*MediaUploadTarget, error) {
	if req.FileType == "" {
		req.FileType = MediaContentType
	}
	var target MediaUploadTarget
	if err := c.do(ctx, http.MethodPost, EndpointUploadMedia, PresignTimeout, req, &target); err != nil {
		return nil, err
	}
	if target.UploadURL == "" || target.ObjectKey == "" {
		return nil, pferrors.New(pferrors.CodeBackendRejected, EndpointUploadMedia, "response has no upload target", nil)
	}
	return &target, nil
}

type mediaSizeKey struct{}

// newUploadClient returns a client for presigned media URLs. It shares rc's
// transport but none of its base URL or JSON headers.
func newUploadClient(rc *resty.Client) *resty.Client {
	return resty.NewWithClient(&http.Client{Transport: rc.GetClient().Transport}).
		SetHeader("User-Agent", buildinfo.UserAgent()).
		SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
			// Streamed bodies are otherwise sent chunked, which presigned PUTs reject.
			if size, ok := req.Context().Value(mediaSizeKey{}).(int64); ok {
				req.ContentLength = size
			}
			return nil
		})
}

// PutMedia streams size bytes from r to a presigned URL.
// The presigned URL carries its own authorization so no bearer token is sent.
func (c *Client) PutMedia(ctx context.Context, uploadURL string, r io.Reader, size int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.upload.R().
		SetContext(context.WithValue(ctx, mediaSizeKey{}, size)).
		SetHeader("Content-Type", MediaContentType).
		SetBody(r).
		Put(uploadURL)
	if err != nil {
		c.metrics.RecordBackendRequest("media_put", "error", time.Since(start).Seconds())
		return pferrors.Classify(err, "media_put")
	}
	c.metrics.RecordBackendRequest("media_put", strconv.Itoa(resp.StatusCode()), time.Since(start).Seconds())

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return pferrors.HTTPError("media_put", resp.StatusCode(), fmt.Sprintf("upload failed: %s", resp.Status()))
	}
	return nil
}

// ConfirmMediaUpload attaches an uploaded object to its interview.
func (c *Client) ConfirmMediaUpload(ctx context.Context, interviewID, objectKey string, size int64) error {
	body := ConfirmUploadRequest{
		Action:      "confirm",
		InterviewID: interviewID,
		ObjectKey:   objectKey,
		FileSize:    size,
		FileType:    MediaContentType,
	}
	return c.do(ctx, http.MethodPost, EndpointUploadMedia, ConfirmTimeout, body, nil)
}
