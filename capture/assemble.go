package capture

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
)

const documentTemplate = `<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>
{{.Styles}}
:root {
  background-color: {{.Root.Color}} !important;
  background-image: {{.Root.Image}} !important;
}
html, body {
  background-color: {{.BodyBg.Color}} !important;
  background-image: {{.BodyBg.Image}} !important;
  background-repeat: {{.BodyBg.Repeat}} !important;
  background-position: {{.BodyBg.Position}} !important;
  background-size: {{.BodyBg.Size}} !important;
  background-attachment: {{.BodyBg.Attachment}} !important;
  min-height: 100vh;
  margin: 0;
  padding: 0;
  width: 100%;
  max-width: 100%;
  overflow-x: hidden;
}
* {
  box-sizing: border-box;
  max-width: 100%;
}
img, video, svg, canvas, picture {
  max-width: 100%;
  height: auto;
  object-fit: contain;
}
.main-content, .article-content, main, article {
  width: 100% !important;
  max-width: 100% !important;
  margin: 0 auto !important;
  padding: 15px !important;
  background-color: inherit !important;
}
figure, .image-container {
  max-width: 100% !important;
  margin: 10px 0 !important;
  text-align: center !important;
}
table {
  width: auto !important;
  max-width: 100% !important;
  overflow-x: auto !important;
  display: block !important;
  background-color: inherit !important;
}
pre, code {
  white-space: pre-wrap !important;
  word-wrap: break-word !important;
  max-width: 100% !important;
  overflow-x: auto !important;
  background-color: inherit !important;
}
a[data-original-href] {
  color: #0066cc;
  text-decoration: underline;
  word-break: break-word;
}
a[data-original-href]:hover {
  color: #003366;
}
a[data-original-href]::after {
  content: " ↗";
  font-size: 0.8em;
  color: #666;
}
@media screen and (min-width: 768px) {
  .main-content, .article-content, main, article {
    max-width: 1200px !important;
    margin: 0 auto !important;
    background-color: {{.ContainerColor}} !important;
  }
}
</style>
</head>
<body>
{{.Body}}
<script>
{{.Guard}}
</script>
</body>
</html>
`

// layoutContainers are the content containers whose background the
// responsive layout keeps.
const layoutContainers = ".main-content, .article-content, main, article"

var (
	docTmpl      = template.Must(template.New("document").Parse(documentTemplate))
	styleCloseRe = regexp.MustCompile(`(?i)</style`)
	titlePolicy  = bluemonday.StrictPolicy()
)

// AssembleInput is everything the assembler concatenates.
type AssembleInput struct {
	Lang        string
	Title       string
	Styles      StyleBundle
	Backgrounds Backgrounds
	Body        string
	Guard       string
}

type assembleView struct {
	Lang           string
	Title          string
	Styles         string
	Root           Background
	BodyBg         Background
	ContainerColor string
	Body           string
	Guard          string
}

// Assemble renders the self-contained document. The title is sanitized for
// file names and HTML-escaped; style text is emitted verbatim apart from
// closing style tags.
func Assemble(in AssembleInput) (string, error) {
	lang := strings.TrimSpace(in.Lang)
	if lang == "" {
		lang = "en"
	}
	container := cssValue(in.Backgrounds.Container.Color)
	if container == "" {
		container = "inherit"
	}
	view := assembleView{
		Lang:   titlePolicy.Sanitize(lang),
		Title:  titlePolicy.Sanitize(SanitizeTitle(in.Title)),
		Styles: styleCloseRe.ReplaceAllString(in.Styles.String(), `<\/style`),
		Root:   withDefaults(in.Backgrounds.Root, Background{Color: "#fff", Image: "none"}),
		BodyBg: withDefaults(in.Backgrounds.Body, Background{
			Color:      "inherit",
			Image:      "none",
			Repeat:     "repeat",
			Position:   "0% 0%",
			Size:       "auto",
			Attachment: "scroll",
		}),
		ContainerColor: container,
		Body:           in.Body,
		Guard:          in.Guard,
	}
	var b strings.Builder
	if err := docTmpl.Execute(&b, view); err != nil {
		return "", fmt.Errorf("assemble: %w", err)
	}
	return b.String(), nil
}

func withDefaults(bg, def Background) Background {
	pick := func(v, d string) string {
		if v = cssValue(v); v == "" {
			return d
		}
		return v
	}
	return Background{
		Color:      pick(bg.Color, def.Color),
		Image:      pick(bg.Image, def.Image),
		Repeat:     pick(bg.Repeat, def.Repeat),
		Position:   pick(bg.Position, def.Position),
		Size:       pick(bg.Size, def.Size),
		Attachment: pick(bg.Attachment, def.Attachment),
	}
}

// cssValue drops a trailing !important and neutralizes closing style tags in
// a computed value.
func cssValue(v string) string {
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
	return styleCloseRe.ReplaceAllString(v, `<\/style`)
}
