package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// DefaultValidationTimeout bounds a single external validation request.
const DefaultValidationTimeout = 5 * time.Second

// HTTPValidator posts pipelines to an external validation service.
//
// A 2xx response accepts the pipeline and a 4xx response rejects it. Any
// other outcome, including timeouts and server errors, accepts the pipeline
// so an unavailable validator does not block CI.
type HTTPValidator struct {
	url     string
	token   string
	retries int
	client  *http.Client
	logger  *slog.Logger
}

// HTTPValidatorConfig configures an HTTPValidator.
type HTTPValidatorConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
	Logger  *slog.Logger

	// Client overrides the HTTP client. Timeout is ignored when it is set.
	Client *http.Client
}

// NewHTTPValidator creates an external validator.
func NewHTTPValidator(cfg HTTPValidatorConfig) *HTTPValidator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPValidator{
		url:     cfg.URL,
		token:   cfg.Token,
		retries: cfg.Retries,
		client:  client,
		logger:  logger,
	}
}

type validationPayload struct {
	Project struct {
		ID       int64  `json:"id"`
		FullPath string `json:"path"`
	} `json:"project"`
	User struct {
		ID        int64     `json:"id,omitempty"`
		Username  string    `json:"username,omitempty"`
		Email     string    `json:"email,omitempty"`
		CreatedAt time.Time `json:"created_at,omitempty"`
	} `json:"user"`
	Pipeline struct {
		SHA  string `json:"sha"`
		Ref  string `json:"ref"`
		Type string `json:"type"`
	} `json:"pipeline"`
	Builds           []validationBuild `json:"builds"`
	TotalBuildsCount int               `json:"total_builds_count"`
}

type validationBuild struct {
	Name   string   `json:"name"`
	Stage  string   `json:"stage"`
	Image  string   `json:"image,omitempty"`
	Script []string `json:"script"`
}

// Validate implements ports.ExternalValidator.
func (v *HTTPValidator) Validate(ctx context.Context, project *domain.Project, user *domain.User, p *domain.Pipeline) (bool, error) {
	body, err := json.Marshal(v.payload(project, user, p))
	if err != nil {
		return false, fmt.Errorf("marshal validation payload: %w", err)
	}

	var status int
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(v.retries)), ctx)
	err = backoff.Retry(func() error {
		var reqErr error
		status, reqErr = v.doRequest(ctx, body)
		return reqErr
	}, policy)
	if err != nil {
		v.logger.WarnContext(ctx, "external validation unavailable, accepting pipeline",
			slog.Int64("project_id", project.ID),
			slog.String("error", err.Error()),
		)
		return true, nil
	}

	switch {
	case status >= 200 && status < 300:
		return true, nil
	case status >= 400 && status < 500:
		return false, nil
	default:
		v.logger.WarnContext(ctx, "external validation returned unexpected status, accepting pipeline",
			slog.Int64("project_id", project.ID),
			slog.Int("status", status),
		)
		return true, nil
	}
}

func (v *HTTPValidator) doRequest(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if v.token != "" {
		req.Header.Set("X-Gitlab-Token", v.token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (v *HTTPValidator) payload(project *domain.Project, user *domain.User, p *domain.Pipeline) validationPayload {
	var out validationPayload
	out.Project.ID = project.ID
	out.Project.FullPath = project.FullPath
	if user != nil {
		out.User.ID = user.ID
		out.User.Username = user.Username
		out.User.Email = user.Email
		out.User.CreatedAt = user.CreatedAt
	}
	out.Pipeline.SHA = p.SHA
	out.Pipeline.Ref = p.Ref
	out.Pipeline.Type = string(p.Source)

	for _, stage := range p.Stages {
		for _, job := range stage.Jobs {
			out.Builds = append(out.Builds, validationBuild{Name: job.Name, Stage: job.StageName, Image: job.Image, Script: job.Script})
		}
	}
	out.TotalBuildsCount = len(out.Builds)
	return out
}

var _ ports.ExternalValidator = (*HTTPValidator)(nil)
