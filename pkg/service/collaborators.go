package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
)

// Outbound collaborator contracts. Implementations live outside the engine
// core; the interpreter only depends on these interfaces.

// MessageSender delivers a rendered message on a channel (email, sms, ...).
type MessageSender interface {
	Send(ctx context.Context, cfg models.SendMessageConfig, execCtx models.ExecutionContext, subject models.SubjectRef) error
}

// RecordMutator applies a patch to a domain record.
type RecordMutator interface {
	Update(ctx context.Context, entityKind, entityID string, patch map[string]any) error
}

// TaskCreator creates a task for a team member.
type TaskCreator interface {
	Create(ctx context.Context, cfg models.CreateTaskConfig, subject models.SubjectRef) error
}

// NotificationCreator creates an in-app notification.
type NotificationCreator interface {
	Create(ctx context.Context, cfg models.CreateNotificationConfig, subject models.SubjectRef) error
}

// WebhookCaller posts a payload to an external URL.
type WebhookCaller interface {
	Post(ctx context.Context, url string, headers map[string]string, payload map[string]any) error
}

// ConditionEvaluator resolves a condition field that is absent from the
// execution context, typically against the live subject record.
type ConditionEvaluator interface {
	Resolve(ctx context.Context, field string, execCtx models.ExecutionContext, subject models.SubjectRef) (any, error)
}

// Collaborators bundles every outbound dependency of the interpreter.
type Collaborators struct {
	Messages      MessageSender
	Records       RecordMutator
	Tasks         TaskCreator
	Notifications NotificationCreator
	Webhooks      WebhookCaller
	Conditions    ConditionEvaluator
}

// HTTPWebhookCaller is the default WebhookCaller: a JSON POST with a bounded
// timeout.
type HTTPWebhookCaller struct {
	Client *http.Client
}

func NewHTTPWebhookCaller() *HTTPWebhookCaller {
	return &HTTPWebhookCaller{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPWebhookCaller) Post(ctx context.Context, url string, headers map[string]string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post webhook %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// ContextConditionEvaluator resolves fields from the execution context only.
// Deployments that need live record lookups supply their own evaluator.
type ContextConditionEvaluator struct{}

func (ContextConditionEvaluator) Resolve(ctx context.Context, field string, execCtx models.ExecutionContext, subject models.SubjectRef) (any, error) {
	v, ok := execCtx[field]
	if !ok {
		return nil, nil
	}
	return v, nil
}

// LoggingCollaborators returns a bundle that logs every side effect instead
// of performing it, with a real HTTP webhook caller. Used by the standalone
// server until the platform wires its own implementations.
func LoggingCollaborators(logger Logger) Collaborators {
	return Collaborators{
		Messages:      loggingSender{logger},
		Records:       loggingMutator{logger},
		Tasks:         loggingTaskCreator{logger},
		Notifications: loggingNotifier{logger},
		Webhooks:      NewHTTPWebhookCaller(),
		Conditions:    ContextConditionEvaluator{},
	}
}

type loggingSender struct{ logger Logger }

func (l loggingSender) Send(ctx context.Context, cfg models.SendMessageConfig, execCtx models.ExecutionContext, subject models.SubjectRef) error {
	l.logger.Infof("send %s message %q to %s/%s", cfg.Channel, cfg.Template, subject.Kind, subject.ID)
	return nil
}

type loggingMutator struct{ logger Logger }

func (l loggingMutator) Update(ctx context.Context, entityKind, entityID string, patch map[string]any) error {
	l.logger.Infof("mutate %s/%s with %v", entityKind, entityID, patch)
	return nil
}

type loggingTaskCreator struct{ logger Logger }

func (l loggingTaskCreator) Create(ctx context.Context, cfg models.CreateTaskConfig, subject models.SubjectRef) error {
	l.logger.Infof("create task %q for %s/%s", cfg.Title, subject.Kind, subject.ID)
	return nil
}

type loggingNotifier struct{ logger Logger }

func (l loggingNotifier) Create(ctx context.Context, cfg models.CreateNotificationConfig, subject models.SubjectRef) error {
	l.logger.Infof("create notification %q for %s/%s", cfg.Title, subject.Kind, subject.ID)
	return nil
}
