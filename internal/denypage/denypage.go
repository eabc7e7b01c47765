// Package denypage renders the HTML body returned on a 403 access-denied
// verdict. The spec treats template rendering as an external collaborator
// (§1); Renderer is the interface boundary, with one html/template-backed
// implementation so the repo has something concrete to compile and test.
package denypage

import (
	"html/template"
	"io"
)

// Data is everything the template needs; per §6 the client IP, request id,
// and forwarded URL must appear verbatim in the rendered body.
type Data struct {
	EmailName       string
	Email           string
	EnvironmentName string
	ClientIP        string
	RequestID       string
	ForwardedURL    string
	Reason          string
}

// Renderer produces the denial page body.
type Renderer interface {
	Render(w io.Writer, data Data) error
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head><title>Access Denied</title></head>
<body>
<h1>Access Denied</h1>
<p>This request did not pass access control.</p>
<ul>
<li>Client IP: {{.ClientIP}}</li>
<li>Request ID: {{.RequestID}}</li>
<li>Requested URL: {{.ForwardedURL}}</li>
</ul>
{{if .Reason}}<p>{{.Reason}}</p>{{end}}
<p>If you believe this is in error, contact {{.EmailName}} at {{.Email}}.</p>
</body>
</html>
`

// HTMLRenderer is the default Renderer, parsing pageTemplate once at
// construction.
type HTMLRenderer struct {
	tmpl *template.Template
}

// NewHTMLRenderer builds a ready-to-use HTMLRenderer.
func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{tmpl: template.Must(template.New("denypage").Parse(pageTemplate))}
}

// Render writes the rendered page to w.
func (h *HTMLRenderer) Render(w io.Writer, data Data) error {
	return h.tmpl.Execute(w, data)
}
