// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
)

// allowedSprigFuncs is the subset of sprig registered with the email
// templates. Kept deliberately small; rendering email is not a place for
// surprises.
var allowedSprigFuncs = []string{
	"dateInZone",
	"default",
}

var (
	textFuncMap texttemplate.FuncMap
	htmlFuncMap htmltemplate.FuncMap
)

func init() {
	textFuncMap = texttemplate.FuncMap{}
	htmlFuncMap = htmltemplate.FuncMap{}
	txt := sprig.TxtFuncMap()
	html := sprig.HtmlFuncMap()
	for _, name := range allowedSprigFuncs {
		tf, ok := txt[name]
		if !ok {
			panic(fmt.Sprintf("sprig func %q not found", name))
		}
		hf, ok := html[name]
		if !ok {
			panic(fmt.Sprintf("sprig func %q not found", name))
		}
		textFuncMap[name] = tf
		htmlFuncMap[name] = hf
	}
}

func newTextTemplate(name, text string) *texttemplate.Template {
	return texttemplate.Must(texttemplate.New(name).Funcs(textFuncMap).Parse(text))
}

func newHTMLTemplate(name, text string) *htmltemplate.Template {
	return htmltemplate.Must(htmltemplate.New(name).Funcs(htmlFuncMap).Parse(text))
}

// documentShell wraps a rendered body in a full responsive email document.
// Bare <p> tags without DOCTYPE and structure trigger spam filters.
var documentShell = newHTMLTemplate("document_shell",
	`<!DOCTYPE html>`+
		`<html lang="en" xmlns="http://www.w3.org/1999/xhtml">`+
		`<head>`+
		`<meta charset="utf-8">`+
		`<meta name="viewport" content="width=device-width, initial-scale=1.0">`+
		`<title>Afterword</title>`+
		`</head>`+
		`<body style="margin:0;padding:0;background-color:#f7f7f7;`+
		`font-family:-apple-system,BlinkMacSystemFont,Segoe UI,Roboto,Helvetica,Arial,sans-serif;`+
		`font-size:15px;line-height:1.6;color:#1a1a1a">`+
		`<table role="presentation" width="100%" cellpadding="0" cellspacing="0" `+
		`style="background-color:#f7f7f7">`+
		`<tr><td align="center" style="padding:32px 16px">`+
		`<table role="presentation" width="100%" cellpadding="0" cellspacing="0" `+
		`style="max-width:560px;background-color:#ffffff;`+
		`border-radius:8px;overflow:hidden">`+
		`<tr><td style="background-color:#0f0f0f;padding:20px 32px">`+
		`<span style="color:#ffffff;font-size:18px;font-weight:600;`+
		`letter-spacing:0.5px">Afterword</span>`+
		`</td></tr>`+
		`<tr><td style="padding:28px 32px">`+
		`{{ .Body }}`+
		`</td></tr>`+
		`<tr><td style="padding:20px 32px;border-top:1px solid #e5e5e5;`+
		`background-color:#fafafa">`+
		`<p style="margin:0;font-size:12px;color:#999999;line-height:1.5">`+
		`This is an automated message from Afterword, a time-locked digital vault app. `+
		`You are receiving this because you have an Afterword account or `+
		`someone designated you as a recipient.</p>`+
		`<p style="margin:8px 0 0;font-size:12px;color:#999999">`+
		`Afterword &middot; afterword-app.com</p>`+
		`</td></tr>`+
		`</table>`+
		`</td></tr></table>`+
		`</body></html>`)

// wrapHTML renders the document shell around an already-rendered body.
func wrapHTML(body string) (string, error) {
	var buf bytes.Buffer
	err := documentShell.Execute(&buf, map[string]any{
		"Body": htmltemplate.HTML(body),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render email document: %w", err)
	}
	return buf.String(), nil
}

var unlockText = newTextTemplate("unlock_text",
	`{{ .SenderName }} left you a secure message using Afterword, a time-locked digital vault app.

Title: {{ .Title | default "Untitled" }}

To view this message, open the link below and paste your security key when prompted.

Viewer: {{ .ViewerLink }}

Security Key: {{ .SecurityKey }}

How it works:
1. Open the viewer link above in your browser
2. Paste the security key into the key field
3. Your message will be decrypted locally in your browser

The security key is never sent to our servers. Do not share it — anyone with this key can read the message.

This message will be available for 30 days, after which it will be permanently and automatically erased.

If you do not recognize the sender, you may safely ignore this email.

— The Afterword Team`)

var unlockHTML = newHTMLTemplate("unlock_html",
	`<p style="margin:0 0 16px"><strong>{{ .SenderName }}</strong> left you a secure `+
		`message using Afterword, a time-locked digital vault app.</p>`+
		`<p style="margin:0 0 8px"><strong>Title:</strong> {{ .Title | default "Untitled" }}</p>`+
		`<table role="presentation" cellpadding="0" cellspacing="0" `+
		`style="margin:20px 0"><tr><td>`+
		`<a href="{{ .ViewerLink }}" style="display:inline-block;background-color:#0f0f0f;`+
		`color:#ffffff;font-size:15px;font-weight:600;padding:12px 28px;`+
		`border-radius:6px;text-decoration:none" target="_blank">`+
		`Open Secure Message</a>`+
		`</td></tr></table>`+
		`<p style="margin:0 0 8px"><strong>Your Security Key:</strong></p>`+
		`<p style="margin:0 0 16px;background-color:#f4f4f4;padding:12px 16px;`+
		`border-radius:6px;font-family:Consolas,Monaco,Courier New,monospace;`+
		`font-size:13px;word-break:break-all;line-height:1.5">{{ .SecurityKey }}</p>`+
		`<p style="margin:0 0 16px"><strong>How to view your message:</strong></p>`+
		`<ol style="margin:0 0 16px;padding-left:20px;color:#333333">`+
		`<li style="margin-bottom:6px">Click the button above to open the secure viewer</li>`+
		`<li style="margin-bottom:6px">Copy and paste the security key into the key field</li>`+
		`<li style="margin-bottom:6px">Your message will be decrypted privately in your browser</li>`+
		`</ol>`+
		`<p style="margin:0 0 16px;color:#666666;font-size:13px">`+
		`<em>The security key is never sent to our servers. Do not share `+
		`it — anyone with this key can read the message.</em></p>`+
		`<hr style="border:none;border-top:1px solid #e5e5e5;margin:24px 0">`+
		`<p style="margin:0 0 8px;color:#888888;font-size:12px">`+
		`This message will be available for 30 days after delivery, after which `+
		`it will be permanently and automatically erased.</p>`+
		`<p style="margin:0;color:#888888;font-size:12px">`+
		`If you do not recognize the sender, you may safely ignore this email.</p>`)

var warningText = newTextTemplate("warning_text",
	`Hi {{ .SenderName }},

{{ .UrgencyLine }}

Your Afterword timer expires on {{ dateInZone "Jan 02, 2006 at 03:04 PM UTC" .Deadline "UTC" }}.
Open the app to check in and keep your vault secure.

If you are safe, open Afterword today to reset your timer.

— The Afterword Team

Afterword is a time-locked digital vault app. You are receiving this email because you have an active Afterword account with vault entries.`)

var warningHTML = newHTMLTemplate("warning_html",
	`<p style="margin:0 0 16px">Hi {{ .SenderName }},</p>`+
		`<p style="margin:0 0 16px">{{ .UrgencyLine }}</p>`+
		`<p style="margin:0 0 16px">Your Afterword timer expires on `+
		`<strong>{{ dateInZone "Jan 02, 2006 at 03:04 PM UTC" .Deadline "UTC" }}</strong>. `+
		`Open the app to check in and keep your vault secure.</p>`+
		`<p style="margin:0 0 24px">If you are safe, open Afterword today to reset your timer.</p>`+
		`<p style="margin:0;color:#666666;font-size:13px">&mdash; The Afterword Team</p>`)

var downgradeText = newTextTemplate("downgrade_text",
	`Hi {{ .SenderName }},

Your Afterword subscription has been updated due to a refund or expiration. Your account has been reverted to the free tier.

What this means:
- Your timer has been reset to the default 30 days
- Custom themes and styles have been reset to defaults
- All your existing vault entries are preserved
{{- if .AudioRemoved }}
- Audio vault entries have been removed (Lifetime feature)
{{- end }}

You can continue using Afterword on the free tier, or resubscribe at any time to restore premium features.

— The Afterword Team

Afterword is a time-locked digital vault app. You are receiving this email because you have an Afterword account.`)

var downgradeHTML = newHTMLTemplate("downgrade_html",
	`<p style="margin:0 0 16px">Hi {{ .SenderName }},</p>`+
		`<p style="margin:0 0 16px">Your Afterword subscription has been updated due to a refund or expiration. `+
		`Your account has been reverted to the free tier.</p>`+
		`<p style="margin:0 0 8px"><strong>What this means:</strong></p>`+
		`<ul style="margin:0 0 16px;padding-left:20px;color:#333333">`+
		`<li style="margin-bottom:6px">Your timer has been reset to the default 30 days</li>`+
		`<li style="margin-bottom:6px">Custom themes and styles have been reset to defaults</li>`+
		`<li style="margin-bottom:6px">All your existing vault entries are preserved</li>`+
		`{{ if .AudioRemoved }}<li style="margin-bottom:6px">Audio vault entries have been removed (Lifetime feature)</li>{{ end }}`+
		`</ul>`+
		`<p style="margin:0 0 24px">You can continue using Afterword on the free tier, or `+
		`resubscribe at any time to restore premium features.</p>`+
		`<p style="margin:0;color:#666666;font-size:13px">&mdash; The Afterword Team</p>`)

func renderText(tmpl *texttemplate.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

func renderHTMLBody(tmpl *htmltemplate.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return wrapHTML(buf.String())
}
