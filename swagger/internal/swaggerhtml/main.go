// Command swaggerhtml renders a self-contained Swagger UI page around the
// generated OpenAPI document.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/template"
)

var page = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>body { margin: 0; background: #fafafa; }</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({ spec: {{.Spec}}, dom_id: '#swagger-ui', deepLinking: true });
    };
  </script>
</body>
</html>
`))

func main() {
	specPath := flag.String("spec", "", "path to swagger.json")
	outPath := flag.String("out", "", "path to generated swagger HTML")
	title := flag.String("title", "tpcd API reference", "page title")
	flag.Parse()
	if *specPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: swaggerhtml -spec docs/swagger.json -out docs/swagger.html")
		os.Exit(2)
	}
	raw, err := os.ReadFile(*specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read spec: %v\n", err)
		os.Exit(1)
	}
	out, err := render(raw, *title)
	if err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outPath, out, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write html: %v\n", err)
		os.Exit(1)
	}
}

// render embeds the compacted spec into the page. The spec is inserted
// verbatim as a JavaScript object literal.
func render(spec []byte, title string) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, spec); err != nil {
		return nil, fmt.Errorf("compact spec: %w", err)
	}
	var buf bytes.Buffer
	err := page.Execute(&buf, struct {
		Title string
		Spec  string
	}{Title: title, Spec: compact.String()})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
