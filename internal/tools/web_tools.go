package tools

import (
	"context"
	"strings"
)

// PageFetcher retrieves a page as text. Satisfied by the fetch package.
type PageFetcher interface {
	Text(ctx context.Context, url string) (string, error)
}

// maxPageChars bounds how much page text goes back to the model.
const maxPageChars = 8000

// RegisterWeb adds the page fetch tool.
func RegisterWeb(r *Registry, fetcher PageFetcher) {
	r.Register(&fetchPageTool{fetcher})
}

type fetchPageTool struct {
	fetcher PageFetcher
}

func (t *fetchPageTool) Schema() Schema {
	return Schema{
		Name:        "fetch_page",
		Description: "Fetch a web page and return its readable text.",
		Class:       "web",
		Parameters: []Param{
			{Name: "url", Type: "string", Description: "Page URL", Required: true},
		},
	}
}

func (t *fetchPageTool) Execute(ctx context.Context, args map[string]any) Result {
	url := stringArg(args, "url")
	if url == "" {
		return Failed("url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Failed("url must be http or https")
	}

	text, err := t.fetcher.Text(ctx, url)
	if err != nil {
		return Failed("fetch page: %v", err)
	}
	truncated := false
	if len(text) > maxPageChars {
		text = text[:maxPageChars]
		truncated = true
	}
	return OK(text, map[string]any{"truncated": truncated})
}
