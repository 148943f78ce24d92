package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

type mailTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[Event]mailTemplate{
	EventRegistered: {
		subject: "Welcome to Fruits Store",
		body: template.Must(template.New("registered").Parse(
			`<p>Hello {{.FirstName}},</p><p>Your account <strong>{{.Username}}</strong> is ready. You can sign in with your username or email.</p>`)),
	},
	EventAccountLocked: {
		subject: "Your account has been locked",
		body: template.Must(template.New("locked").Parse(
			`<p>Hello {{.FirstName}},</p><p>Your account has been locked after repeated failed sign-in attempts or by an administrator. Contact support to unlock it.</p>`)),
	},
	EventAccountUnlocked: {
		subject: "Your account has been unlocked",
		body: template.Must(template.New("unlocked").Parse(
			`<p>Hello {{.FirstName}},</p><p>Your account has been unlocked. You can sign in again.</p>`)),
	},
	EventPasswordReset: {
		subject: "Your password has been reset",
		body: template.Must(template.New("reset").Parse(
			`<p>Hello {{.FirstName}},</p><p>Your new password for <strong>{{.Username}}</strong> is <code>{{.TemporaryPassword}}</code>. Change it after signing in.</p>`)),
	},
	EventPasswordChanged: {
		subject: "Your password was changed",
		body: template.Must(template.New("changed").Parse(
			`<p>Hello {{.FirstName}},</p><p>The password for <strong>{{.Username}}</strong> was changed. If this was not you, contact support.</p>`)),
	},
}

func render(event Event, recipient Recipient) (Message, error) {
	tmpl, ok := templates[event]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification event %q", event)
	}

	data := recipient
	if data.FirstName == "" {
		data.FirstName = data.Username
	}

	var body bytes.Buffer
	if err := tmpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render %s template: %w", event, err)
	}

	return Message{To: recipient.Email, Subject: tmpl.subject, HTML: body.String()}, nil
}
