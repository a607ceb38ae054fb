package notify

import (
	"context"
	"fmt"
	"log"
	"regexp"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Pusher delivers one push message to a wallet address. Implementations
// are best-effort; the Notifier swallows their errors.
type Pusher interface {
	Push(ctx context.Context, recipient, title, message string, data map[string]string) error
}

type fcmPusher struct {
	client *messaging.Client
}

// NewFCMPusher builds a Firebase Cloud Messaging pusher from a service
// account credentials file. Devices subscribe to a per-wallet topic.
func NewFCMPusher(ctx context.Context, credentialsFile string) (Pusher, error) {
	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	log.Printf("[notify] firebase messaging initialized")
	return &fcmPusher{client: client}, nil
}

var topicSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-_.~%]`)

// walletTopic maps a wallet address onto an FCM topic name.
func walletTopic(addr string) string {
	return "wallet_" + topicSanitizer.ReplaceAllString(addr, "_")
}

func (p *fcmPusher) Push(ctx context.Context, recipient, title, message string, data map[string]string) error {
	msg := &messaging.Message{
		Topic: walletTopic(recipient),
		Notification: &messaging.Notification{
			Title: title,
			Body:  message,
		},
		Data: data,
	}
	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send to %s: %w", shortAddr(recipient), err)
	}
	return nil
}

func shortAddr(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:8] + "..."
}
