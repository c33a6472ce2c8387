package reporting

import (
	"html/template"
	"io"
	"strings"
)

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Call Report</title>
<style>
body { font-family: monospace; padding: 40px; }
table { width: 100%; border-collapse: collapse; margin-top: 20px; }
th, td { border: 1px solid #000; padding: 12px; text-align: left; }
</style>
</head>
<body>
<h1>Call Report</h1>
<p>Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</p>
<p>Total {{.TotalCalls}} &middot; completed {{.CompletedCalls}} &middot; missed {{.MissedCalls}} &middot; recorded {{.RecordedCalls}}</p>
<table>
<thead><tr><th>Date</th><th>Caller</th><th>Title</th><th>Duration</th><th>Features</th></tr></thead>
<tbody>
{{range .Completed}}<tr><td>{{.CreatedAt.Format "2006-01-02 15:04"}}</td><td>{{.InitiatorID}}</td><td>{{.Title}}</td><td>{{.Duration}}</td><td>{{join .Features ", "}}</td></tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

// RenderHTML writes the downloadable report page.
func RenderHTML(w io.Writer, s CallsSummary) error {
	return reportTmpl.Execute(w, s)
}
