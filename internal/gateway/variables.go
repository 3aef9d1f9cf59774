package gateway

import (
	"strings"
	"time"
)

// Variables carries the caller-supplied values substituted into prompt
// text. Substitution is exact string match over a fixed token set, not a
// template engine: unrecognized {{tokens}} pass through verbatim, since
// user-authored prompts routinely contain curly text unrelated to the
// variable system.
type Variables struct {
	UserName    string
	ChannelName string
	ServerName  string
	Provider    string
	Model       string
}

// ResolveVariables substitutes the fixed placeholder set into text.
func ResolveVariables(text string, vars Variables) string {
	now := time.Now()

	replacer := strings.NewReplacer(
		"{{user}}", vars.UserName,
		"{{channel}}", vars.ChannelName,
		"{{server}}", vars.ServerName,
		"{{provider}}", vars.Provider,
		"{{model}}", vars.Model,
		"{{date}}", now.Format("2006-01-02"),
		"{{time}}", now.Format("15:04"),
	)

	return replacer.Replace(text)
}

// VariablesHelp documents the supported placeholders for host UIs.
func VariablesHelp() map[string]string {
	return map[string]string{
		"{{user}}":     "display name of the requesting user",
		"{{channel}}":  "name of the channel the request came from",
		"{{server}}":   "name of the server/community",
		"{{provider}}": "resolved provider name for this request",
		"{{model}}":    "resolved model name for this request",
		"{{date}}":     "current date (YYYY-MM-DD)",
		"{{time}}":     "current time (HH:MM, 24h)",
	}
}
