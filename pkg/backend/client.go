// Package backend is a client for the Argonauts game API: location visits,
// learned phrases, quests, progress and photo uploads.
//
// Usage:
//
//	c := backend.New(os.Getenv("GUIDE_BACKEND_URL"), os.Getenv("GUIDE_BACKEND_API_KEY"),
//		backend.WithUserID("user_123"))
//	handlers := c.ToolHandlers()
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/vango-go/argonauts-live/pkg/core"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/prompt"
)

const maxErrorBody = 4 << 10

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithUserID sets the player every request acts for.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	baseURL string
	apiKey  string
	userID  string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Client) UserID() string { return c.userID }

// ActionResult is the game's answer to a visit, phrase or quest action.
type ActionResult struct {
	Success      bool                 `json:"success"`
	Message      string               `json:"message,omitempty"`
	Points       int                  `json:"points,omitempty"`
	Achievements []detect.Achievement `json:"achievements,omitempty"`
	Quest        *prompt.Quest        `json:"quest,omitempty"`
}

// Progress is the player's standing.
type Progress struct {
	UserID           string               `json:"user_id"`
	UserName         string               `json:"user_name,omitempty"`
	Points           int                  `json:"points"`
	VisitedLocations []string             `json:"visited_locations"`
	LearnedPhrases   []string             `json:"learned_phrases"`
	ActiveQuest      *prompt.Quest        `json:"active_quest,omitempty"`
	Achievements     []detect.Achievement `json:"achievements,omitempty"`
}

// GameContext renders p for the guide's system instruction.
func (p Progress) GameContext() prompt.GameContext {
	return prompt.GameContext{
		UserName:         p.UserName,
		VisitedLocations: p.VisitedLocations,
		LearnedPhrases:   p.LearnedPhrases,
		ActiveQuest:      p.ActiveQuest,
		Points:           p.Points,
	}
}

// Photo is an image captured by the player, passed explicitly to
// UploadPhoto.
type Photo struct {
	Filename     string
	ContentType  string
	Data         []byte
	LocationName string
}

type PhotoResult struct {
	ID           string               `json:"id"`
	URL          string               `json:"url"`
	Achievements []detect.Achievement `json:"achievements,omitempty"`
}

type visitRequest struct {
	UserID       string `json:"user_id"`
	LocationName string `json:"location_name"`
}

type learnRequest struct {
	UserID  string `json:"user_id"`
	Phrase  string `json:"phrase"`
	Meaning string `json:"meaning,omitempty"`
}

type questRequest struct {
	UserID  string `json:"user_id"`
	QuestID string `json:"quest_id,omitempty"`
	Step    *int   `json:"step,omitempty"`
}

func (c *Client) VisitLocation(ctx context.Context, locationName string) (*ActionResult, error) {
	locationName = strings.TrimSpace(locationName)
	if locationName == "" {
		return nil, core.NewInvalidRequestErrorWithParam("location name is required", "location_name")
	}
	var out ActionResult
	err := c.do(ctx, http.MethodPost, "/api/locations/visit", visitRequest{UserID: c.userID, LocationName: locationName}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LearnPhrase(ctx context.Context, phrase, meaning string) (*ActionResult, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, core.NewInvalidRequestErrorWithParam("phrase is required", "phrase")
	}
	var out ActionResult
	err := c.do(ctx, http.MethodPost, "/api/phrases/learn", learnRequest{UserID: c.userID, Phrase: phrase, Meaning: meaning}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StartQuest starts questID, or the next available quest when it is empty.
func (c *Client) StartQuest(ctx context.Context, questID string) (*ActionResult, error) {
	var out ActionResult
	err := c.do(ctx, http.MethodPost, "/api/quests/start", questRequest{UserID: c.userID, QuestID: strings.TrimSpace(questID)}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AdvanceQuestStep moves the active quest forward. A nil step advances by one.
func (c *Client) AdvanceQuestStep(ctx context.Context, questID string, step *int) (*ActionResult, error) {
	var out ActionResult
	err := c.do(ctx, http.MethodPost, "/api/quests/advance", questRequest{UserID: c.userID, QuestID: strings.TrimSpace(questID), Step: step}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetProgress(ctx context.Context) (*Progress, error) {
	if c.userID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("user id is required", "user_id")
	}
	var out Progress
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(c.userID)+"/progress", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadPhoto sends photo as multipart/form-data.
func (c *Client) UploadPhoto(ctx context.Context, photo Photo) (*PhotoResult, error) {
	if len(photo.Data) == 0 {
		return nil, core.NewInvalidRequestErrorWithParam("photo is empty", "photo")
	}
	filename := photo.Filename
	if filename == "" {
		filename = "photo.jpg"
	}
	contentType := photo.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(photo.Data)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if c.userID != "" {
		_ = mw.WriteField("user_id", c.userID)
	}
	if photo.LocationName != "" {
		_ = mw.WriteField("location_name", photo.LocationName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("backend: create photo part: %w", err)
	}
	if _, err := part.Write(photo.Data); err != nil {
		return nil, fmt.Errorf("backend: write photo part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("backend: close multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/photos", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out PhotoResult
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, core.NewInvalidRequestError("backend base URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := errorMessage(raw)
		c.logger.Warn("backend request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
		)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return core.NewAuthenticationError(msg)
		case http.StatusTooManyRequests:
			return core.NewRateLimitError(msg)
		default:
			return core.NewBackendError(resp.StatusCode, msg)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

// errorMessage extracts a message from {"error":{"message":...}},
// {"error":"..."} or {"message":...} bodies, falling back to the raw text.
func errorMessage(raw []byte) string {
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(raw, &env) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &flat) == nil && flat != "" {
			return flat
		}
		if env.Message != "" {
			return env.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return "request failed"
}
