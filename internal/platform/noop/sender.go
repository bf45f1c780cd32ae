// Package noop provides a logging-only platform.Sender for tests and
// for deployments with no chat-platform token configured. It never
// fails and never rate-limits, so the delivery coordinator always
// takes the direct-URL path against it.
package noop

import (
	"context"

	"mediagate/pkg/logger"

	"go.uber.org/zap"
)

type Sender struct{}

func New() *Sender {
	return &Sender{}
}

func (s *Sender) SendPhoto(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	logger.Info("noop sender: photo", zap.String("chat_id", chatID), zap.String("url", url), zap.Int("bytes", len(bytes)))
	return nil
}

func (s *Sender) SendVideo(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	logger.Info("noop sender: video", zap.String("chat_id", chatID), zap.String("url", url), zap.Int("bytes", len(bytes)))
	return nil
}

func (s *Sender) SendAudio(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	logger.Info("noop sender: audio", zap.String("chat_id", chatID), zap.String("url", url), zap.Int("bytes", len(bytes)))
	return nil
}

func (s *Sender) SendDocument(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	logger.Info("noop sender: document", zap.String("chat_id", chatID), zap.String("url", url), zap.Int("bytes", len(bytes)))
	return nil
}
