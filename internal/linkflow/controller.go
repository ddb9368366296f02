package linkflow

import (
	"context"
	"errors"
	"time"
)

// StepKind is the next thing the settings page must do.
type StepKind string

const (
	StepIdle           StepKind = "idle"
	StepRefresh        StepKind = "refresh"
	StepStartHandshake StepKind = "start_handshake"
	StepComplete       StepKind = "complete"
	StepFail           StepKind = "fail"
)

// User-facing messages. Token failures share one message on purpose.
const (
	MsgLinked        = "Account linked successfully."
	MsgAlreadyLinked = "This provider is already linked to your account."
	MsgLinkFailed    = "Failed to complete account linking. Please start again."
	MsgIdentityTaken = "This identity is already linked to a different user."
)

// Step is the result of Next.
type Step struct {
	Kind     StepKind      `json:"step"`
	Provider string        `json:"provider,omitempty"`
	Token    string        `json:"-"`
	Delay    time.Duration `json:"-"`
	Message  string        `json:"message,omitempty"`
}

// Next maps arriving redirect parameters to the next step. The handshake with the
// target provider may only start after the quiescence interval has elapsed.
func Next(p Params, quiescence time.Duration) Step {
	if p.Error != "" {
		return Step{Kind: StepFail, Provider: p.LinkProvider, Message: MsgLinkFailed}
	}

	switch p.Action {
	case ActionLink:
		return Step{Kind: StepRefresh}
	case ActionReauth:
		if p.Token == "" || p.LinkProvider == "" {
			return Step{Kind: StepFail, Message: MsgLinkFailed}
		}
		return Step{Kind: StepStartHandshake, Provider: p.LinkProvider, Token: p.Token, Delay: quiescence}
	case ActionComplete:
		if p.Token == "" {
			return Step{Kind: StepFail, Message: MsgLinkFailed}
		}
		return Step{Kind: StepComplete, Provider: p.LinkProvider, Token: p.Token}
	}
	return Step{Kind: StepIdle}
}

// Outcome of a completion attempt.
type Outcome string

const (
	OutcomeLinked        Outcome = "linked"
	OutcomeAlreadyLinked Outcome = "already_linked"
	OutcomeFailed        Outcome = "failed"
)

// ErrIdentityTaken must be wrapped by LinkAPI implementations when the new identity
// belongs to another user.
var ErrIdentityTaken = errors.New("identity linked elsewhere")

// LinkAPI is the server boundary used to finish a link.
type LinkAPI interface {
	ProcessLink(ctx context.Context, token string) error
	LinkedProviders(ctx context.Context) ([]string, error)
}

// Result of Complete.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message"`
}

// Complete consumes the token through api. A repeated invocation with a spent token
// reports OutcomeAlreadyLinked when provider is already attached to the caller.
func Complete(ctx context.Context, api LinkAPI, token, provider string) Result {
	err := api.ProcessLink(ctx, token)
	if err == nil {
		return Result{Outcome: OutcomeLinked, Message: MsgLinked}
	}
	if errors.Is(err, ErrIdentityTaken) {
		return Result{Outcome: OutcomeFailed, Message: MsgIdentityTaken}
	}

	if provider != "" {
		providers, listErr := api.LinkedProviders(ctx)
		if listErr == nil {
			for _, p := range providers {
				if p == provider {
					return Result{Outcome: OutcomeAlreadyLinked, Message: MsgAlreadyLinked}
				}
			}
		}
	}
	return Result{Outcome: OutcomeFailed, Message: MsgLinkFailed}
}
