// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

const landingHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s &middot; wart-worker</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 900px;
         margin: 0 auto; padding: 40px 20px; color: #2c2c1e; background: #faf8f0; }
  h1 { color: #2d5016; margin-bottom: 4px; }
  .meta { color: #6b6b5a; font-size: 0.9em; }
  code { font-family: 'JetBrains Mono', monospace; background: #f0ece0;
         padding: 2px 6px; border-radius: 3px; font-size: 0.85em; }
  .card { border: 1px solid #e0dcd0; border-radius: 8px; padding: 16px 20px;
          margin-bottom: 16px; background: #fff; }
  .method-name { font-weight: 700; font-size: 1.1em; margin-right: 8px; }
  .badge { font-size: 0.75em; font-weight: 600; text-transform: uppercase;
           padding: 2px 8px; border-radius: 4px; background: #e8f0dc; color: #2d5016; }
  table { width: 100%%; border-collapse: collapse; font-size: 0.9em; margin-top: 10px; }
  th { text-align: left; padding: 6px 10px; background: #f0ece0; }
  td { padding: 6px 10px; border-bottom: 1px solid #f0ece0; }
  .doc { color: #6b6b5a; margin: 8px 0 0; }
</style>
</head>
<body>
<h1>%s</h1>
<p class="meta">server <code>%s</code> &middot; methods under <code>%s/&lt;method&gt;</code></p>
%s
</body>
</html>`

// buildLandingHTML renders the GET page for the HTTP prefix.
func buildLandingHTML(s *Server, prefix string) []byte {
	title := s.serviceName
	if title == "" {
		title = "wart-worker"
	}

	var cards strings.Builder
	for _, name := range s.availableMethods() {
		buildMethodCard(&cards, s.methods[name])
	}

	return []byte(fmt.Sprintf(landingHTMLTemplate,
		html.EscapeString(title), // <title>
		html.EscapeString(title), // <h1>
		html.EscapeString(s.serverID),
		html.EscapeString(prefix),
		cards.String(),
	))
}

func buildMethodCard(w *strings.Builder, info *methodInfo) {
	w.WriteString(`<div class="card">`)
	fmt.Fprintf(w, `<span class="method-name">%s</span>`, html.EscapeString(info.Name))
	fmt.Fprintf(w, `<span class="badge">%s</span>`, info.Type)
	if info.Doc != "" {
		fmt.Fprintf(w, `<p class="doc">%s</p>`, html.EscapeString(info.Doc))
	}

	if info.ParamsSchema.NumFields() > 0 {
		w.WriteString(`<table><tr><th>Parameter</th><th>Type</th><th>Default</th></tr>`)
		for i := range info.ParamsSchema.NumFields() {
			f := info.ParamsSchema.Field(i)
			defaultStr := "&mdash;"
			if v, ok := info.ParamDefaults[f.Name]; ok {
				b, _ := json.Marshal(coerceDefaultValue(v, info.ParamsSchema, f.Name))
				defaultStr = html.EscapeString(string(b))
			}
			fmt.Fprintf(w, `<tr><td><code>%s</code></td><td><code>%s</code></td><td>%s</td></tr>`,
				html.EscapeString(f.Name),
				html.EscapeString(arrowTypeToString(f.Type)),
				defaultStr,
			)
		}
		w.WriteString(`</table>`)
	}

	if info.InputSchema != nil {
		w.WriteString(`<table><tr><th>Input column</th><th>Type</th></tr>`)
		for _, f := range info.InputSchema.Fields() {
			fmt.Fprintf(w, `<tr><td><code>%s</code></td><td><code>%s</code></td></tr>`,
				html.EscapeString(f.Name), html.EscapeString(arrowTypeToString(f.Type)))
		}
		w.WriteString(`</table>`)
	}
	w.WriteString(`</div>`)
}
