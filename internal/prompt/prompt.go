// Package prompt renders the text agents send to the target model.
package prompt

import (
	"fmt"
	"strings"

	"behaviorbench/internal/models"
	"behaviorbench/internal/profiles"

	"github.com/aymerick/raymond"
)

const systemTemplate = `You are {{{name}}}, playing the {{{profile}}} role in a {{{humanize scenario}}} exercise with other participants.
{{{description}}}
Follow these rules:
{{#each rules}}- {{{this}}}
{{/each}}{{#if override}}
Additional instructions:
{{{override}}}
{{/if}}`

const actionTemplate = `{{#if handshake}}You are opening the session. Speak before anyone else acts.
{{/if}}Your next move is "{{{humanize action}}}" on the {{{channel}}} channel.
{{#if lastOutcome}}Your previous move resulted in: {{{lastOutcome}}}
{{/if}}Reply with one short chat message in character.`

// Renderer holds the parsed templates. It is safe for concurrent use.
type Renderer struct {
	system *raymond.Template
	action *raymond.Template
}

// New parses the built-in templates.
func New() (*Renderer, error) {
	system, err := parse("system", systemTemplate)
	if err != nil {
		return nil, err
	}
	action, err := parse("action", actionTemplate)
	if err != nil {
		return nil, err
	}
	return &Renderer{system: system, action: action}, nil
}

// MustNew is New for package initialisation.
func MustNew() *Renderer {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

func parse(name, src string) (*raymond.Template, error) {
	tmpl, err := raymond.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	tmpl.RegisterHelper("humanize", Humanize)
	return tmpl, nil
}

// Humanize turns an action tag such as "gather_wood" into "gather wood".
func Humanize(tag string) string {
	return strings.NewReplacer("_", " ", "-", " ").Replace(tag)
}

// SystemInput is the data for an agent's system prompt.
type SystemInput struct {
	AgentName string
	Scenario  models.Scenario
	Profile   profiles.Definition
	Override  string
}

// System resolves an agent's system prompt from its profile description and
// rules. A non-empty override is appended as additional instructions.
func (r *Renderer) System(in SystemInput) (string, error) {
	out, err := r.system.Exec(map[string]interface{}{
		"name":        in.AgentName,
		"profile":     in.Profile.Name,
		"scenario":    string(in.Scenario),
		"description": strings.TrimSpace(in.Profile.Description),
		"rules":       in.Profile.Rules,
		"override":    strings.TrimSpace(in.Override),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ActionInput is the data for a single chat turn.
type ActionInput struct {
	Action      string
	Channel     string
	Handshake   bool
	LastOutcome string
}

// Action renders the user prompt for one action.
func (r *Renderer) Action(in ActionInput) (string, error) {
	out, err := r.action.Exec(map[string]interface{}{
		"action":      in.Action,
		"channel":     in.Channel,
		"handshake":   in.Handshake,
		"lastOutcome": in.LastOutcome,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render action prompt: %w", err)
	}
	return strings.TrimSpace(out), nil
}
