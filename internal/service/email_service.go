package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
)

// EmailService отправляет уведомления безопасности об изменении привязок.
type EmailService interface {
	SendAccountLinked(ctx context.Context, toEmail, provider, idempotencyKey string) error
	SendAccountUnlinked(ctx context.Context, toEmail, provider, idempotencyKey string) error
}

// NoopEmailService используется, когда ключ Resend не задан
type NoopEmailService struct{}

func (s *NoopEmailService) SendAccountLinked(ctx context.Context, toEmail, provider, idempotencyKey string) error {
	log.Printf("[EmailService] (noop) linked %s -> %s", provider, toEmail)
	return nil
}

func (s *NoopEmailService) SendAccountUnlinked(ctx context.Context, toEmail, provider, idempotencyKey string) error {
	log.Printf("[EmailService] (noop) unlinked %s -> %s", provider, toEmail)
	return nil
}

// securityNotice - текст одного уведомления
type securityNotice struct {
	kind    string
	subject string
	body    string
}

func linkedNotice(provider string) securityNotice {
	return securityNotice{
		kind:    "account_linked",
		subject: "New sign-in method linked",
		body: fmt.Sprintf("A %s sign-in was linked to your account. If this wasn't you, "+
			"remove it in account settings and sign out everywhere.", provider),
	}
}

func unlinkedNotice(provider string) securityNotice {
	return securityNotice{
		kind:    "account_unlinked",
		subject: "Sign-in method removed",
		body:    fmt.Sprintf("The %s sign-in was removed from your account. If this wasn't you, contact support.", provider),
	}
}

const (
	resendMaxAttempts = 3
	resendMaxWait     = 30 * time.Second
)

// ResendEmailService отправляет письма через Resend
type ResendEmailService struct {
	from   string
	emails resend.EmailsSvc
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewResendEmailService(apiKey, from string) (*ResendEmailService, error) {
	if apiKey == "" {
		return nil, errors.New("resend api key is required")
	}
	if from == "" {
		return nil, errors.New("email sender address is required")
	}
	return &ResendEmailService{
		from:   from,
		emails: resend.NewClient(apiKey).Emails,
		sleep:  sleepCtx,
	}, nil
}

func (s *ResendEmailService) SendAccountLinked(ctx context.Context, toEmail, provider, idempotencyKey string) error {
	return s.deliver(ctx, toEmail, linkedNotice(provider), idempotencyKey)
}

func (s *ResendEmailService) SendAccountUnlinked(ctx context.Context, toEmail, provider, idempotencyKey string) error {
	return s.deliver(ctx, toEmail, unlinkedNotice(provider), idempotencyKey)
}

// deliver повторяет отправку только для временных ошибок. Ключ идемпотентности
// не дает Resend отправить письмо дважды, если ответ на первую попытку потерялся.
func (s *ResendEmailService) deliver(ctx context.Context, toEmail string, notice securityNotice, idempotencyKey string) error {
	toEmail = strings.TrimSpace(toEmail)
	if toEmail == "" {
		return errors.New("recipient address is required")
	}

	req := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{toEmail},
		Subject: notice.subject,
		Text:    notice.body,
		Html:    "<p>" + html.EscapeString(notice.body) + "</p>",
		Tags:    []resend.Tag{{Name: "category", Value: notice.kind}},
	}
	opts := &resend.SendEmailOptions{IdempotencyKey: strings.TrimSpace(idempotencyKey)}

	for attempt := 1; ; attempt++ {
		_, err := s.emails.SendWithOptions(ctx, req, opts)
		if err == nil {
			return nil
		}
		wait, retryable := retryDelay(err, attempt)
		if !retryable || attempt == resendMaxAttempts {
			return fmt.Errorf("resend %s (attempt %d): %w", notice.kind, attempt, err)
		}
		log.Printf("[EmailService] %s не отправлено (попытка %d), повтор через %v: %v", notice.kind, attempt, wait, err)
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// retryDelay определяет, стоит ли повторять отправку и сколько ждать
func retryDelay(err error, attempt int) (time.Duration, bool) {
	var limited *resend.RateLimitError
	if errors.As(err, &limited) {
		if sec, convErr := strconv.Atoi(strings.TrimSpace(limited.RetryAfter)); convErr == nil && sec > 0 {
			return min(time.Duration(sec)*time.Second, resendMaxWait), true
		}
		return time.Duration(attempt) * time.Second, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return time.Duration(attempt) * 500 * time.Millisecond, true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
