package finalize

import (
	"bytes"
	"fmt"
	"html/template"
)

const documentTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { font-family: Georgia, 'Times New Roman', serif; color: #1a1a1a; margin: 0; padding: 40px; }
  h1 { font-size: 24px; margin-bottom: 4px; }
  .meta { color: #666; font-size: 12px; margin-bottom: 32px; }
  .group { margin-bottom: 24px; page-break-inside: avoid; }
  .group h2 { font-size: 14px; text-transform: uppercase; letter-spacing: 0.05em; border-bottom: 1px solid #ccc; padding-bottom: 4px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  td { padding: 6px 8px; border-bottom: 1px solid #eee; }
  .signed { color: #1a7f37; }
  .unsigned { color: #999; }
  .external { font-style: italic; }
</style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.TenantName}} &middot; Document {{.DocumentID}}</div>
  {{range .Groups}}
  <div class="group">
    <h2>{{.Title}}</h2>
    {{if .Participants}}
    <table>
      {{range .Participants}}
      <tr{{if .IsExternal}} class="external"{{end}}>
        <td>{{.Name}} ({{.Initials}})</td>
        <td>{{.Email}}</td>
        <td>{{if .Signed}}<span class="signed">Signed</span>{{else}}<span class="unsigned">&mdash;</span>{{end}}</td>
      </tr>
      {{end}}
    </table>
    {{else}}
    <table><tr><td class="unsigned">No participants assigned</td></tr></table>
    {{end}}
  </div>
  {{end}}
</body>
</html>`

var documentTmpl = template.Must(template.New("final-document").Parse(documentTemplate))

// RenderDocumentHTML produces the HTML handed to the PDF renderer.
func RenderDocumentHTML(input RenderInput) (string, error) {
	var buf bytes.Buffer
	if err := documentTmpl.Execute(&buf, input); err != nil {
		return "", fmt.Errorf("render document template: %w", err)
	}
	return buf.String(), nil
}
