package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

var templates = template.Must(template.New("layout").Parse(`
{{define "header"}}<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #222; max-width: 600px; margin: 0 auto;">{{end}}
{{define "footer"}}<p style="color: #888; font-size: 12px;">This is an automated message. Please do not reply.</p>
</body></html>{{end}}

{{define "signing_invitation"}}{{template "header"}}
<p>Hello {{if .RecipientName}}{{.RecipientName}}{{else}}there{{end}},</p>
<p>You have been asked to review and sign <strong>{{.ContractTitle}}</strong>.</p>
{{if .CustomMessage}}<blockquote style="border-left: 3px solid #ccc; padding-left: 12px;">{{.CustomMessage}}</blockquote>{{end}}
<p><a href="{{.Link}}" style="background: #1a56db; color: #fff; padding: 10px 18px; text-decoration: none; border-radius: 4px;">Review and sign</a></p>
<p>This link is personal to you and expires on {{.ExpiresAt}}.</p>
{{template "footer"}}{{end}}

{{define "awaiting_counter_signature"}}{{template "header"}}
<p><strong>{{.SignerName}}</strong> has signed <strong>{{.ContractTitle}}</strong> on {{.DateSigned}}.</p>
<p>The contract is waiting for your counter-signature.</p>
{{if .Link}}<p><a href="{{.Link}}">Open the contract</a></p>{{end}}
{{template "footer"}}{{end}}

{{define "completed"}}{{template "header"}}
<p>Hello {{if .RecipientName}}{{.RecipientName}}{{else}}there{{end}},</p>
<p><strong>{{.ContractTitle}}</strong> has been signed by all parties on {{.DateSigned}}.</p>
<p><a href="{{.Link}}">Download the signed contract (PDF)</a></p>
{{template "footer"}}{{end}}
`))

// SigningInvitationData fills the signing invitation email
type SigningInvitationData struct {
	RecipientName string
	ContractTitle string
	CustomMessage string
	Link          string
	ExpiresAt     string
}

// AwaitingCounterSignatureData fills the notice sent after the first signature
type AwaitingCounterSignatureData struct {
	SignerName    string
	ContractTitle string
	DateSigned    string
	Link          string
}

// CompletedData fills the completed-contract email carrying the artifact link
type CompletedData struct {
	RecipientName string
	ContractTitle string
	DateSigned    string
	Link          string
}

// SigningInvitation builds the invitation message for a recipient
func SigningInvitation(to string, data SigningInvitationData) (Message, error) {
	return build(KindSigningInvitation, to, data.RecipientName,
		fmt.Sprintf("Please sign: %s", data.ContractTitle), data)
}

// AwaitingCounterSignature builds the notice for the counter-signer
func AwaitingCounterSignature(to string, data AwaitingCounterSignatureData) (Message, error) {
	return build(KindAwaitingCounterSignature, to, "",
		fmt.Sprintf("Counter-signature needed: %s", data.ContractTitle), data)
}

// Completed builds the completed-contract message with the signed PDF link
func Completed(to string, data CompletedData) (Message, error) {
	return build(KindCompleted, to, data.RecipientName,
		fmt.Sprintf("Signed contract: %s", data.ContractTitle), data)
}

func build(kind, to, toName, subject string, data any) (Message, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, kind, data); err != nil {
		return Message{}, fmt.Errorf("render %s email: %w", kind, err)
	}
	return Message{Kind: kind, To: to, ToName: toName, Subject: subject, HTML: buf.String()}, nil
}
