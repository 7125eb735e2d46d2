package services

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/apicore/internal/client/client"
	"github.com/dmitrijs2005/apicore/internal/client/models"
)

// SendEndpoint is the queueable message route.
var SendEndpoint = models.Endpoint{Path: "/api/v1/chat/send", Method: models.MethodPost, RequiresAuth: true}

var ErrEmptyMessage = errors.New("message is empty")

type SendRequest struct {
	Text string `json:"text"`
}

type SendResult struct {
	ID string `json:"id"`
	// Queued is set when the message was deferred until the device is back
	// online; ID is empty then.
	Queued bool `json:"-"`
}

// MessageService sends chat messages, deferring them while offline.
type MessageService interface {
	Send(ctx context.Context, text string) (SendResult, error)
}

type messageService struct {
	api API
	ep  models.Endpoint
}

func NewMessageService(api API) MessageService {
	return &messageService{api: api, ep: SendEndpoint}
}

func (m *messageService) Send(ctx context.Context, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}

	var res SendResult
	err := m.api.Do(ctx, m.ep, SendRequest{Text: text}, &res)

	var offline *client.OfflineError
	if errors.As(err, &offline) && offline.Queued {
		return SendResult{Queued: true}, nil
	}
	return res, err
}
