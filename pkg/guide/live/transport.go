package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Conn is an open bidirectional stream to the model.
type Conn interface {
	SendClientContent(genai.LiveClientContentInput) error
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

var _ Conn = (*genai.Session)(nil)

// Dialer opens a Conn for a model with a connect configuration.
type Dialer interface {
	Dial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Conn, error)
}

// GenAIDialer dials the Gemini Live endpoint.
type GenAIDialer struct {
	client *genai.Client
}

func NewGenAIDialer(ctx context.Context, apiKey string) (*GenAIDialer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIDialer{client: client}, nil
}

func (d *GenAIDialer) Dial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Conn, error) {
	sess, err := d.client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// isRemoteClose reports whether err is an orderly close by the remote end.
func isRemoteClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
