package coordinator

import (
	"context"
	"regexp"
	"strings"
)

// urlPattern matches http(s) links the way chat users paste them. The
// character set is deliberately loose; trailing punctuation is kept.
var urlPattern = regexp.MustCompile(`http[s]?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\\(\\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)

// platformHosts serve attachments uploaded to the chat platform itself.
var platformHosts = []string{"cdn.discordapp.com", "media.discordapp.net"}

// ExtractURLs returns every link in content, in order of appearance,
// duplicates included.
func ExtractURLs(content string) []string {
	return urlPattern.FindAllString(content, -1)
}

// IsPlatformURL reports whether link points at the chat platform's own
// attachment hosts, which are never archived.
func IsPlatformURL(link string) bool {
	for _, host := range platformHosts {
		if strings.Contains(link, host) {
			return true
		}
	}
	return false
}

// Sequence calls fn for each item in order and waits for each call to
// return before starting the next. It stops early only when ctx is done.
func Sequence[T any](ctx context.Context, items []T, fn func(context.Context, T)) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(ctx, item)
	}
	return nil
}
