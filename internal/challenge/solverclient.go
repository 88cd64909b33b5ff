package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/config"
)

// taskTypes maps challenge families to the solving service's task names.
// Proxyless variants: the service solves from its own egress, the token is
// bound to sitekey and URL, not to our IP.
var taskTypes = map[schemas.ChallengeType]string{
	schemas.ChallengeRecaptchaV2: "RecaptchaV2TaskProxyless",
	schemas.ChallengeRecaptchaV3: "RecaptchaV3TaskProxyless",
	schemas.ChallengeHCaptcha:    "HCaptchaTaskProxyless",
	schemas.ChallengeTurnstile:   "TurnstileTaskProxyless",
}

// HTTPSolver implements schemas.SolverClient against an anti-captcha
// compatible HTTP API.
type HTTPSolver struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *zap.Logger
}

var _ schemas.SolverClient = (*HTTPSolver)(nil)

func NewHTTPSolver(cfg config.SolverConfig, logger *zap.Logger) *HTTPSolver {
	return &HTTPSolver{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      logger.Named("solver"),
	}
}

type createTaskRequest struct {
	ClientKey string   `json:"clientKey"`
	Task      taskBody `json:"task"`
}

type taskBody struct {
	Type       string  `json:"type"`
	WebsiteURL string  `json:"websiteURL"`
	WebsiteKey string  `json:"websiteKey"`
	PageAction string  `json:"pageAction,omitempty"`
	MinScore   float64 `json:"minScore,omitempty"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
}

// CreateTask registers the challenge with the solving service.
func (s *HTTPSolver) CreateTask(ctx context.Context, spec schemas.ChallengeSpec) (string, error) {
	taskType, ok := taskTypes[spec.Type]
	if !ok {
		return "", fmt.Errorf("unsupported challenge type %q", spec.Type)
	}

	req := createTaskRequest{
		ClientKey: s.apiKey,
		Task: taskBody{
			Type:       taskType,
			WebsiteURL: spec.PageURL,
			WebsiteKey: spec.SiteKey,
		},
	}
	if spec.Type == schemas.ChallengeRecaptchaV3 {
		req.Task.PageAction = spec.Action
		req.Task.MinScore = 0.7
	}

	var resp createTaskResponse
	if err := s.post(ctx, "/createTask", req, &resp); err != nil {
		return "", err
	}
	if resp.ErrorID != 0 {
		return "", fmt.Errorf("solver rejected task: %s", resp.ErrorDescription)
	}
	s.log.Debug("Solver task created",
		zap.Int64("task_id", resp.TaskID), zap.String("type", string(spec.Type)))
	return strconv.FormatInt(resp.TaskID, 10), nil
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
	} `json:"solution"`
}

// TaskResult polls one task. Not-ready is (token="", ready=false, err=nil);
// the caller owns the loop and its ceiling.
func (s *HTTPSolver) TaskResult(ctx context.Context, taskID string) (string, bool, error) {
	id, err := strconv.ParseInt(taskID, 10, 64)
	if err != nil {
		return "", false, fmt.Errorf("malformed task id %q: %w", taskID, err)
	}

	var resp taskResultResponse
	if err := s.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: s.apiKey, TaskID: id}, &resp); err != nil {
		return "", false, err
	}
	if resp.ErrorID != 0 {
		return "", false, fmt.Errorf("solver task failed: %s", resp.ErrorDescription)
	}
	if resp.Status != "ready" {
		return "", false, nil
	}

	token := resp.Solution.GRecaptchaResponse
	if token == "" {
		token = resp.Solution.Token
	}
	if token == "" {
		return "", false, fmt.Errorf("solver reported ready without a token")
	}
	return token, true, nil
}

func (s *HTTPSolver) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode solver request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build solver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("solver request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("solver returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode solver response: %w", err)
	}
	return nil
}
