// Package linkflow sequences the two-leg account linking flow from the redirect
// parameters the browser arrives with. Nothing here performs I/O except Complete,
// which talks to the server through LinkAPI.
package linkflow

import (
	"net/url"
	"strings"
)

// Redirect query parameters that carry linking progress.
const (
	ParamAction       = "action"
	ParamToken        = "token"
	ParamLinkProvider = "linkProvider"
	ParamError        = "error"

	ActionLink     = "link"
	ActionReauth   = "reauth"
	ActionComplete = "complete"
)

var linkingParams = []string{ParamAction, ParamToken, ParamLinkProvider, ParamError}

// Params is the linking state read from a URL.
type Params struct {
	Action       string
	Token        string
	LinkProvider string
	Error        string
}

// ParseParams reads linking parameters from a query.
func ParseParams(q url.Values) Params {
	return Params{
		Action:       strings.TrimSpace(q.Get(ParamAction)),
		Token:        strings.TrimSpace(q.Get(ParamToken)),
		LinkProvider: strings.ToLower(strings.TrimSpace(q.Get(ParamLinkProvider))),
		Error:        strings.TrimSpace(q.Get(ParamError)),
	}
}

// Strip returns a copy of u without any linking parameters.
func Strip(u *url.URL) *url.URL {
	clean := *u
	q := clean.Query()
	for _, p := range linkingParams {
		q.Del(p)
	}
	clean.RawQuery = q.Encode()
	clean.ForceQuery = false
	return &clean
}

// StripString is Strip for a relative or absolute URL string.
func StripString(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return Strip(u).String(), nil
}

// WithParams strips stale linking parameters from target and sets the given ones.
func WithParams(target string, params map[string]string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	clean := Strip(u)
	q := clean.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	clean.RawQuery = q.Encode()
	return clean.String(), nil
}

// IsLinkingTarget reports whether a redirect target continues a linking flow.
func IsLinkingTarget(target string) bool {
	if target == "" {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return IsLinkingQuery(u.Query())
}

// IsLinkingQuery reports whether a query carries linking progress.
func IsLinkingQuery(q url.Values) bool {
	switch q.Get(ParamAction) {
	case ActionLink, ActionReauth, ActionComplete:
		return true
	}
	return q.Get(ParamLinkProvider) != ""
}
