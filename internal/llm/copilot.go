package llm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	copilotChatURL  = "https://api.githubcopilot.com"
	copilotTokenURL = "https://api.github.com/copilot_internal/v2/token"
)

// sessionID and machineID are generated once per process; GitHub groups
// the API calls of one x-request-id into a single premium request, and
// these headers keep that grouping stable.
var (
	copilotSessionID = uuid.NewString() + fmt.Sprint(time.Now().UnixMilli())
	copilotMachineID = func() string {
		host, _ := os.Hostname()
		return fmt.Sprintf("%x", sha256.Sum256([]byte(host+"-studio-ai")))
	}()
)

// TokenSource supplies a short-lived Copilot session token.
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// GitHubTokenSource exchanges a long-lived GitHub token for Copilot
// session tokens, caching each until shortly before expiry.
type GitHubTokenSource struct {
	GitHubToken string
	HTTPClient  *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (s *GitHubTokenSource) SessionToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.expiresAt.Add(-time.Minute)) {
		return s.token, nil
	}
	if s.GitHubToken == "" {
		return "", fmt.Errorf("copilot: no github token configured")
	}

	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+s.GitHubToken)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("copilot token exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Backend: "copilot", Status: resp.StatusCode, Body: string(body)}
	}
	var decoded struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode copilot token: %w", err)
	}
	if decoded.Token == "" {
		return "", fmt.Errorf("copilot token exchange returned empty token")
	}
	s.token = decoded.Token
	s.expiresAt = time.Unix(decoded.ExpiresAt, 0)
	return s.token, nil
}

// StaticTokenSource returns a fixed session token, for configs that
// supply one directly and for tests.
type StaticTokenSource string

func (s StaticTokenSource) SessionToken(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("copilot: no session token configured")
	}
	return string(s), nil
}

// NewCopilot builds a client for the Copilot chat API. It speaks the
// OpenAI-compatible protocol with rotating session tokens and the
// editor headers the endpoint requires.
func NewCopilot(src TokenSource, baseURL string, timeout time.Duration) *OpenAICompat {
	if baseURL == "" {
		baseURL = copilotChatURL
	}
	c := NewOpenAICompat("copilot", baseURL, "", timeout)
	c.headerFn = func(ctx context.Context, requestID string) (map[string]string, error) {
		token, err := src.SessionToken(ctx)
		if err != nil {
			return nil, err
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		return map[string]string{
			"Authorization":          "Bearer " + token,
			"editor-version":         "vscode/1.96.0",
			"editor-plugin-version":  "copilot-chat/0.24.0",
			"copilot-integration-id": "vscode-chat",
			"openai-intent":          "conversation-panel",
			"x-request-id":           requestID,
			"vscode-sessionid":       copilotSessionID,
			"vscode-machineid":       copilotMachineID,
		}, nil
	}
	return c
}
