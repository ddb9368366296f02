// Package gatekeeper decides, for every inbound request, whether it may proceed or
// must be redirected. Decide is a total, side-effect-free function of the request
// path, its query and the resolved session.
package gatekeeper

import (
	"net/url"
	"path"
	"strings"

	"github.com/yourusername/linkbio-api/internal/config"
	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/linkflow"
)

// Outcome of a gatekeeper decision.
type Outcome string

const (
	OutcomeAllow      Outcome = "allow"
	OutcomeLogin      Outcome = "login"
	OutcomeOnboarding Outcome = "onboarding"
	OutcomeBanned     Outcome = "banned"
	OutcomeLanding    Outcome = "landing"
)

// CallbackParam carries the redirect target of login and sign-in pages.
const CallbackParam = "callbackUrl"

// Decision is either Allow or a redirect to Target.
type Decision struct {
	Outcome Outcome
	Target  string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Request is the part of an HTTP request the gatekeeper looks at.
type Request struct {
	Path  string
	Query url.Values
}

// Rules hold the path sets the decision is made over.
type Rules struct {
	PublicRoot        string
	ProtectedPrefixes []string
	LoginPaths        []string
	OnboardingExempt  []string
	LandingPath       string
	LoginPath         string
	OnboardingPath    string
	BannedPath        string
	SignOutPath       string
}

// RulesFromConfig builds Rules from configuration.
func RulesFromConfig(cfg config.GatekeeperConfig) Rules {
	return Rules{
		PublicRoot:        "/",
		ProtectedPrefixes: cfg.ProtectedPrefixes,
		LoginPaths:        cfg.LoginPaths,
		OnboardingExempt:  []string{cfg.OnboardingPath, "/api" + cfg.OnboardingPath, cfg.SignOutPath},
		LandingPath:       cfg.LandingPath,
		LoginPath:         cfg.LoginPath,
		OnboardingPath:    cfg.OnboardingPath,
		BannedPath:        cfg.BannedPath,
		SignOutPath:       cfg.SignOutPath,
	}
}

// Decide applies the access rules in priority order:
//  1. public root is always allowed;
//  2. a banned session may only reach sign-out and the banned notice;
//  3. protected path without a session goes to login;
//  4. protected path with a session but no handle goes to onboarding;
//  5. a session on a login path goes to the landing page unless it continues a linking flow;
//  6. everything else is allowed.
//
// A nil session is anonymous.
func (r Rules) Decide(req Request, session *entity.Session) Decision {
	p := cleanPath(req.Path)

	if p == r.PublicRoot {
		return Decision{Outcome: OutcomeAllow}
	}

	if session != nil && session.Banned {
		if p == r.SignOutPath || p == r.BannedPath {
			return Decision{Outcome: OutcomeAllow}
		}
		return Decision{Outcome: OutcomeBanned, Target: r.BannedPath}
	}

	if r.isProtected(p) {
		if session == nil {
			return Decision{Outcome: OutcomeLogin, Target: r.LoginPath}
		}
		if !session.HasHandle && !matchesAny(p, r.OnboardingExempt) {
			return Decision{Outcome: OutcomeOnboarding, Target: r.OnboardingPath}
		}
	}

	if session != nil && matchesAny(p, r.LoginPaths) && !continuesLinking(req.Query) {
		return Decision{Outcome: OutcomeLanding, Target: r.LandingPath}
	}

	return Decision{Outcome: OutcomeAllow}
}

func (r Rules) isProtected(p string) bool {
	return matchesAny(p, r.ProtectedPrefixes)
}

// continuesLinking checks the request's own query and its redirect target.
func continuesLinking(q url.Values) bool {
	if q == nil {
		return false
	}
	if linkflow.IsLinkingQuery(q) {
		return true
	}
	return linkflow.IsLinkingTarget(q.Get(CallbackParam))
}

// matchesAny matches whole path segments: "/admin" covers "/admin" and "/admin/x"
// but not "/administrator".
func matchesAny(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
