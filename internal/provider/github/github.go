// Package github receives GitHub webhook http-requests, verifies and
// converts them to domain events.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/githubclt"
	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/model"
)

const loggerName = "github-event-provider"

const maxPayloadSize = 25 * 1024 * 1024

var (
	// ErrUntrustworthy is returned when the signature of a request is
	// missing or does not match the payload.
	ErrUntrustworthy = errors.New("webhook signature verification failed")
	// ErrInvalidPayload is returned when a request can not be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrUnknownEvent is returned for unsupported webhook event types.
	ErrUnknownEvent = errors.New("unsupported webhook event")
)

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to domain events and forwards them to
// event channels.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	filter        *EventFilter
	repoFullName  string
	chans         []chan<- model.Event
}

type Option func(*Provider)

func WithPayloadSecret(secret string) Option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

// WithEventFilter drops events for which filter does not evaluate to true.
func WithEventFilter(filter *EventFilter) Option {
	return func(p *Provider) {
		p.filter = filter
	}
}

// WithRepository drops events that do not belong to the repository
// owner/repo.
func WithRepository(owner, repo string) Option {
	return func(p *Provider) {
		p.repoFullName = owner + "/" + repo
	}
}

func New(eventChans []chan<- model.Event, opts ...Option) *Provider {
	p := Provider{
		chans: eventChans,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logger := p.logger.With(
		logfields.EventProvider("github"),
		logfields.DeliveryID(deliveryID),
		logfields.WebhookType(hookType),
	)

	logger.Debug("received a http request", logfields.Event("github_event_received"))

	payload, err := p.verify(req)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)

		http.Error(resp, err.Error(), httpStatus(err))
		return
	}

	ev, repoFullName, err := parse(hookType, payload)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			logger.Debug(
				"ignoring event, event type is unsupported",
				logfields.Event("github_unsupported_event_received"),
			)
		} else {
			logger.Info(
				"received invalid http request, parsing failed",
				logfields.Event("github_event_parsing_failed"),
				zap.Error(err),
			)
		}

		http.Error(resp, err.Error(), httpStatus(err))
		return
	}

	if p.repoFullName != "" && repoFullName != "" && !strings.EqualFold(repoFullName, p.repoFullName) {
		logger.Debug(
			"ignoring event of other repository",
			logfields.Event("github_event_repository_mismatch"),
			zap.String("github.repository_full_name", repoFullName),
		)

		resp.WriteHeader(http.StatusAccepted)
		return
	}

	if !p.matchesFilter(req.Context(), logger, hookType, payload) {
		resp.WriteHeader(http.StatusAccepted)
		return
	}

	for _, c := range p.chans {
		select {
		case c <- ev:
			logger.Debug("event forwarded to channel",
				logfields.Event("github_event_forwarded"),
			)

		default:
			logger.Warn(
				"event lost, forwarding event to channel failed",
				zap.String("error", "could not forward event to channel, send would have blocked"),
				logfields.Event("github_forwarding_event_failed"),
			)

			http.Error(resp, "queue full", http.StatusServiceUnavailable)
			return
		}
	}
}

func (p *Provider) matchesFilter(ctx context.Context, logger *zap.Logger, hookType string, payload []byte) bool {
	if p.filter == nil || hookType == "ping" {
		return true
	}

	match, err := p.filter.Match(ctx, hookType, payload)
	if err != nil {
		logger.Warn(
			"evaluating event filter query failed, dropping event",
			logfields.Event("github_event_filter_failed"),
			zap.String("filter_query", p.filter.String()),
			zap.Error(err),
		)

		return false
	}

	if !match {
		logger.Debug(
			"event does not match filter query, dropping event",
			logfields.Event("github_event_filtered"),
			zap.String("filter_query", p.filter.String()),
		)
	}

	return match
}

// verify checks the signature of the request and returns the JSON payload.
func (p *Provider) verify(req *http.Request) ([]byte, error) {
	signature := req.Header.Get(github.SHA256SignatureHeader)
	if signature == "" {
		signature = req.Header.Get(github.SHA1SignatureHeader)
	}

	if len(p.webhookSecret) > 0 && signature == "" {
		return nil, fmt.Errorf("%w: request has no signature", ErrUntrustworthy)
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body failed: %s", ErrInvalidPayload, err)
	}

	if len(p.webhookSecret) > 0 {
		if err := github.ValidateSignature(signature, body, p.webhookSecret); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUntrustworthy, err)
		}
	}

	contentType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	// the signature was verified already, passing an empty signature and
	// secret only extracts the payload
	payload, err := github.ValidatePayloadFromBody(contentType, bytes.NewReader(body), "", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	return payload, nil
}

// parse decodes payload into a domain event, it also returns the full name
// of the repository the event belongs to.
func parse(hookType string, payload []byte) (model.Event, string, error) {
	switch hookType {
	case "ping":
		ev, err := github.ParseWebHook(hookType, payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}

		ping := ev.(*github.PingEvent)
		return &model.PingEvent{Zen: ping.GetZen()}, ping.GetRepo().GetFullName(), nil

	case "pull_request":
		ev, err := github.ParseWebHook(hookType, payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}

		return toPullRequestEvent(ev.(*github.PullRequestEvent))

	case "status":
		ev, err := github.ParseWebHook(hookType, payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}

		return toStatusEvent(ev.(*github.StatusEvent))

	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownEvent, hookType)
	}
}

func toPullRequestEvent(ev *github.PullRequestEvent) (model.Event, string, error) {
	if ev.GetAction() == "" {
		return nil, "", fmt.Errorf("%w: pull_request event has no action", ErrInvalidPayload)
	}

	pr := ev.GetPullRequest()
	if pr == nil || pr.GetNumber() == 0 {
		return nil, "", fmt.Errorf("%w: pull_request event has no pull request", ErrInvalidPayload)
	}

	if pr.GetBase().GetRef() == "" {
		return nil, "", fmt.Errorf("%w: pull request has no base branch", ErrInvalidPayload)
	}

	return &model.PullRequestEvent{
		Action:   model.PullRequestAction(ev.GetAction()),
		Metadata: githubclt.ToPullRequestMetadata(pr),
	}, ev.GetRepo().GetFullName(), nil
}

func toStatusEvent(ev *github.StatusEvent) (model.Event, string, error) {
	if ev.GetSHA() == "" {
		return nil, "", fmt.Errorf("%w: status event has no sha", ErrInvalidPayload)
	}

	result := model.StatusEvent{
		SHA:         ev.GetSHA(),
		Context:     ev.GetContext(),
		Description: ev.GetDescription(),
		State:       model.ParseCommitState(ev.GetState()),
	}

	for _, b := range ev.Branches {
		if name := b.GetName(); name != "" {
			result.Branches = append(result.Branches, name)
		}
	}

	return &result, ev.GetRepo().GetFullName(), nil
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUntrustworthy):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownEvent):
		return http.StatusAccepted
	default:
		return http.StatusBadRequest
	}
}
