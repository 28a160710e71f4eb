package capture

import "strings"

var unsafeTitleChars = strings.NewReplacer(
	"/", "-", `\`, "-", ":", "-", "*", "-", "?", "-",
	`"`, "-", "<", "-", ">", "-", "|", "-",
)

// SanitizeTitle replaces the characters that are illegal in file names with
// '-'. Everything else is kept as is.
func SanitizeTitle(title string) string {
	return unsafeTitleChars.Replace(title)
}

// Filename is the suggested name of the saved file for a page title.
func Filename(title string) string {
	t := SanitizeTitle(title)
	if strings.TrimSpace(t) == "" {
		t = "untitled"
	}
	return t + ".html"
}
