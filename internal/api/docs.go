package api

import (
	"bytes"
	"html/template"
)

type docsLink struct {
	Label string
	Href  string
}

// docsLinks are pinned above the reference: the main route groups and the
// event feed, which OpenAPI cannot describe.
var docsLinks = []docsLink{
	{Label: "Scripts", Href: "#/operations/list-scripts"},
	{Label: "Pages", Href: "#/operations/list-pages"},
	{Label: "Templates", Href: "#/operations/list-templates"},
	{Label: "Event Feed", Href: "/docs/events"},
	{Label: "openapi.json", Href: "/openapi.json"},
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    nav.gmhost { position: fixed; top: 12px; right: 16px; z-index: 9999; display: flex; gap: 6px; }
    nav.gmhost a {
      background: #161b22; border: 1px solid #30363d; border-radius: 6px; color: #58a6ff;
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
      font-size: 12px; font-weight: 500; padding: 5px 12px; text-decoration: none;
    }
  </style>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <nav class="gmhost">{{range .Links}}
    <a href="{{.Href}}">{{.Label}}</a>{{end}}
  </nav>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`))

// docsHTML is the rendered /docs page.
var docsHTML = renderDocs("gmhost API", docsLinks)

func renderDocs(title string, links []docsLink) string {
	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, struct {
		Title string
		Links []docsLink
	}{title, links}); err != nil {
		panic(err)
	}
	return buf.String()
}
