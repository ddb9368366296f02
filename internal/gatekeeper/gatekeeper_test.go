package gatekeeper

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourusername/linkbio-api/internal/config"
	"github.com/yourusername/linkbio-api/internal/domain/entity"
)

func testRules() Rules {
	return RulesFromConfig(config.GatekeeperConfig{
		ProtectedPrefixes: []string{"/dashboard", "/settings", "/admin", "/onboarding", "/api/linked-accounts", "/api/onboarding"},
		LoginPaths:        []string{"/login", "/register", "/auth/signin"},
		LandingPath:       "/dashboard",
		LoginPath:         "/login",
		OnboardingPath:    "/onboarding",
		BannedPath:        "/banned",
		SignOutPath:       "/auth/signout",
	})
}

var (
	anonymous *entity.Session
	noHandle  = &entity.Session{UserID: 1, Provider: "github"}
	normal    = &entity.Session{UserID: 2, Provider: "github", HasHandle: true}
	banned    = &entity.Session{UserID: 3, Provider: "github", HasHandle: true, Banned: true}
)

func decide(p string, s *entity.Session) Decision {
	u, _ := url.Parse(p)
	return testRules().Decide(Request{Path: u.Path, Query: u.Query()}, s)
}

// Полная сетка путь × сессия
func TestDecide_TotalityGrid(t *testing.T) {
	allow := Decision{Outcome: OutcomeAllow}
	toLogin := Decision{Outcome: OutcomeLogin, Target: "/login"}
	toOnboarding := Decision{Outcome: OutcomeOnboarding, Target: "/onboarding"}
	toBanned := Decision{Outcome: OutcomeBanned, Target: "/banned"}
	toLanding := Decision{Outcome: OutcomeLanding, Target: "/dashboard"}

	sessions := []struct {
		name    string
		session *entity.Session
	}{
		{"anonymous", anonymous},
		{"no-handle", noHandle},
		{"normal", normal},
		{"banned", banned},
	}

	grid := map[string][4]Decision{
		"/admin":  {toLogin, toOnboarding, allow, toBanned},
		"/":       {allow, allow, allow, allow},
		"/login":  {allow, toLanding, toLanding, toBanned},
		"/banned": {allow, allow, allow, allow},
	}

	for p, want := range grid {
		for i, s := range sessions {
			t.Run(p+"/"+s.name, func(t *testing.T) {
				got := decide(p, s.session)
				assert.Equal(t, want[i], got)
				if got.Allowed() {
					assert.Empty(t, got.Target)
				} else {
					assert.NotEmpty(t, got.Target)
				}
			})
		}
	}
}

func TestDecide_BanBeatsAuthentication(t *testing.T) {
	d := decide("/admin", banned)
	assert.Equal(t, OutcomeBanned, d.Outcome, "бан проверяется раньше требований аутентификации")

	bannedWithoutHandle := &entity.Session{UserID: 4, Banned: true}
	assert.Equal(t, OutcomeBanned, decide("/settings/accounts", bannedWithoutHandle).Outcome)
	assert.Equal(t, OutcomeBanned, decide("/api/linked-accounts", bannedWithoutHandle).Outcome)
}

func TestDecide_BannedMayOnlySignOut(t *testing.T) {
	assert.True(t, decide("/auth/signout", banned).Allowed())
	assert.True(t, decide("/banned", banned).Allowed())
	assert.True(t, decide("/", banned).Allowed())
	assert.Equal(t, OutcomeBanned, decide("/u/alice", banned).Outcome)
	assert.Equal(t, OutcomeBanned, decide("/onboarding", banned).Outcome)
}

func TestDecide_OnboardingPagesReachableWithoutHandle(t *testing.T) {
	assert.True(t, decide("/onboarding", noHandle).Allowed())
	assert.True(t, decide("/api/onboarding", noHandle).Allowed())
	assert.Equal(t, OutcomeLogin, decide("/onboarding", anonymous).Outcome)
	assert.Equal(t, OutcomeOnboarding, decide("/settings/accounts", noHandle).Outcome)
}

func TestDecide_LoginPathDuringLinking(t *testing.T) {
	callback := url.QueryEscape("/settings/accounts?action=reauth&token=t&linkProvider=google")

	assert.True(t, decide("/login?callbackUrl="+callback, normal).Allowed())
	assert.True(t, decide("/auth/signin/github?mode=reauth&linkProvider=google&callbackUrl=%2Fsettings%2Faccounts", normal).Allowed())
	assert.True(t, decide("/auth/signin/google?callbackUrl="+url.QueryEscape("/settings/accounts?action=link"), normal).Allowed())

	assert.Equal(t, OutcomeLanding, decide("/auth/signin/github?callbackUrl=%2Fsettings", normal).Outcome)
	assert.Equal(t, OutcomeLanding, decide("/register", normal).Outcome)
}

func TestDecide_PathMatching(t *testing.T) {
	assert.True(t, decide("/administrator", anonymous).Allowed(), "префикс совпадает только по сегментам")
	assert.Equal(t, OutcomeLogin, decide("/admin/users", anonymous).Outcome)
	assert.Equal(t, OutcomeLogin, decide("/public/../admin", anonymous).Outcome)
	assert.True(t, decide("/u/alice", anonymous).Allowed())
	assert.True(t, decide("", anonymous).Allowed())
}

func TestDecide_Deterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, decide("/settings", noHandle), decide("/settings", noHandle))
	}
}
