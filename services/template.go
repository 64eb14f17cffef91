package services

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/incidentops/courier/db"
)

// TemplateService renders the outbound message body per channel. Templates are
// registered by id; routes may override the channel default via
// TemplateOverrides.
type TemplateService struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
	// defaults maps channel -> template id
	defaults map[string]string
}

// MessageData is the data made available to message templates.
type MessageData struct {
	ChangeDescription string
	Severity          string
	TeamID            string
	Role              string
	Channel           string
	Escalation        bool
}

const fallbackTemplate = `[{{.Severity | upper}}] {{.ChangeDescription}}`

var builtinTemplates = map[string]string{
	"default":         fallbackTemplate,
	"chat-default":    `:rotating_light: *{{.Severity | upper}}* notification for team {{.TeamID}}: {{.ChangeDescription}}`,
	"email-default":   `Severity: {{.Severity}}{{"\n"}}Team: {{.TeamID}}{{"\n\n"}}{{.ChangeDescription}}`,
	"sms-default":     `[{{.Severity | upper}}] {{.ChangeDescription}}`,
	"pager-default":   `{{if .Escalation}}ESCALATION: {{end}}[{{.Severity | upper}}] {{.ChangeDescription}}`,
	"push-default":    `[{{.Severity | upper}}] {{.ChangeDescription}}`,
	"webhook-default": `{{.ChangeDescription}}`,
}

func NewTemplateService() *TemplateService {
	s := &TemplateService{
		templates: make(map[string]*template.Template),
		defaults: map[string]string{
			db.ChannelChat:    "chat-default",
			db.ChannelEmail:   "email-default",
			db.ChannelSMS:     "sms-default",
			db.ChannelPager:   "pager-default",
			db.ChannelPush:    "push-default",
			db.ChannelWebhook: "webhook-default",
		},
	}
	for id, text := range builtinTemplates {
		// Built-in templates are static and known-good.
		if err := s.Register(id, text); err != nil {
			panic(fmt.Sprintf("invalid builtin template %s: %v", id, err))
		}
	}
	return s
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
}

// Register parses and stores a template under the given id, replacing any
// existing one.
func (s *TemplateService) Register(id, text string) error {
	tmpl, err := template.New(id).Funcs(templateFuncs).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[id] = tmpl
	return nil
}

// Render produces the message body for one channel. Resolution order: route
// override for the channel, channel default, the plain fallback. Unknown
// override ids fall through to the channel default rather than failing the
// send.
func (s *TemplateService) Render(channel string, overrides map[string]string, data MessageData) (string, error) {
	data.Channel = channel

	s.mu.RLock()
	tmpl := s.lookupLocked(channel, overrides)
	s.mu.RUnlock()

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render message for channel %s: %w", channel, err)
	}
	return buf.String(), nil
}

func (s *TemplateService) lookupLocked(channel string, overrides map[string]string) *template.Template {
	if id, ok := overrides[channel]; ok {
		if tmpl, ok := s.templates[id]; ok {
			return tmpl
		}
	}
	if id, ok := s.defaults[channel]; ok {
		if tmpl, ok := s.templates[id]; ok {
			return tmpl
		}
	}
	return s.templates["default"]
}
