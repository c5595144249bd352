package sync

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/matheus3301/yarsha/internal/store"
)

// DefaultGIFPatterns match the CDN paths of the GIF providers the backend
// links to.
var DefaultGIFPatterns = []string{
	"*giphy.com/media/*",
	"*tenor.com/view/*",
	"*media.tenor.com/*",
}

// Classifier derives a message's render type from its payload.
type Classifier struct {
	gifs []glob.Glob
}

// NewClassifier compiles the given GIF URL patterns. Patterns are matched
// case-insensitively. An empty list selects DefaultGIFPatterns.
func NewClassifier(patterns []string) (*Classifier, error) {
	if len(patterns) == 0 {
		patterns = DefaultGIFPatterns
	}
	c := &Classifier{}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("gif pattern %q: %w", p, err)
		}
		c.gifs = append(c.gifs, g)
	}
	return c, nil
}

// MustClassifier is NewClassifier for patterns known to be valid.
func MustClassifier(patterns []string) *Classifier {
	c, err := NewClassifier(patterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Type returns the render type of m. A transaction payload wins over
// everything; attachments win over the GIF URL heuristic.
func (c *Classifier) Type(m *store.Message) store.MessageType {
	if m.Transaction != nil {
		return store.TypeTransaction
	}
	if len(m.Multimedia) > 0 {
		return mediaType(m.Multimedia)
	}
	if c.IsGIF(m.Content) {
		return store.TypeGIF
	}
	return store.TypeText
}

// Classify sets m.Type in place.
func (c *Classifier) Classify(m *store.Message) {
	m.Type = c.Type(m)
}

// IsGIF reports whether content, or any whitespace separated token of it,
// matches a GIF pattern.
func (c *Classifier) IsGIF(content string) bool {
	content = strings.ToLower(strings.TrimSpace(content))
	if content == "" {
		return false
	}
	candidates := append([]string{content}, strings.Fields(content)...)
	for _, s := range candidates {
		for _, g := range c.gifs {
			if g.Match(s) {
				return true
			}
		}
	}
	return false
}

func mediaType(media []store.Media) store.MessageType {
	hasVideo := false
	for _, m := range media {
		mime := strings.ToLower(m.MimeType)
		switch {
		case strings.HasPrefix(mime, "image/"):
			return store.TypeImage
		case strings.HasPrefix(mime, "video/"):
			hasVideo = true
		}
	}
	if hasVideo {
		return store.TypeVideo
	}
	return store.TypeFile
}
