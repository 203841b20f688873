package handlers

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/russross/blackfriday/v2"
)

//go:embed docs/*.md
var docsFS embed.FS

type DocsHandler struct {
	pages map[string][]byte
}

// allowedDocs maps URL names to embedded files and titles.
var allowedDocs = map[string]struct{ file, title string }{
	"help":    {"docs/help.md", "Help"},
	"privacy": {"docs/privacy.md", "Privacy"},
}

// NewDocsHandler renders the embedded documents once.
func NewDocsHandler() (*DocsHandler, error) {
	h := &DocsHandler{pages: map[string][]byte{}}
	for name, doc := range allowedDocs {
		content, err := docsFS.ReadFile(doc.file)
		if err != nil {
			return nil, err
		}

		extensions := blackfriday.CommonExtensions | blackfriday.AutoHeadingIDs
		renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
			Flags: blackfriday.CommonHTMLFlags,
		})
		htmlContent := blackfriday.Run(content, blackfriday.WithRenderer(renderer), blackfriday.WithExtensions(extensions))
		h.pages[name] = []byte(wrapWithTheme(string(htmlContent), doc.title))
	}
	return h, nil
}

// ServeMarkdownAsHTML handles GET /doc/:doc
func (h *DocsHandler) ServeMarkdownAsHTML(c *gin.Context) {
	page, exists := h.pages[c.Param("doc")]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

// ServeHome handles GET /
func (h *DocsHandler) ServeHome(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", h.pages["help"])
}

func wrapWithTheme(content, title string) string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>` + title + ` - Slava</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            line-height: 1.6;
            color: #333;
            background: #f8f9fa;
            padding: 20px;
        }

        .container {
            max-width: 860px;
            margin: 0 auto;
        }

        .content {
            background: white;
            padding: 3rem;
            border-radius: 12px;
            border: 1px solid #e5e7eb;
        }

        .content h2 {
            color: #fc4c02;
        }

        .content code {
            background: #f3f4f6;
            padding: 0.2rem 0.4rem;
            border-radius: 4px;
            font-family: 'Monaco', 'Menlo', 'Ubuntu Mono', monospace;
        }

        .content table {
            width: 100%;
            border-collapse: collapse;
        }

        .content th, .content td {
            border: 1px solid #d1d5db;
            padding: 0.75rem;
            text-align: left;
        }

        footer {
            margin-top: 2rem;
            text-align: center;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="content">
            ` + content + `
        </div>
        <footer>
            <a href="/doc/help">Help</a> | <a href="/doc/privacy">Privacy</a>
        </footer>
    </div>
</body>
</html>`
}
