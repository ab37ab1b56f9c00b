package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
)

// writeContent prints tool or prompt content blocks. Text is printed as is;
// binary blocks are summarized.
func writeContent(w io.Writer, blocks []mcp.Content) {
	for _, block := range blocks {
		switch c := block.(type) {
		case mcp.TextContent:
			fmt.Fprintln(w, c.Text)
		case mcp.ImageContent:
			fmt.Fprintf(w, "[image %s, %d bytes]\n", c.MIMEType, decodedLen(c.Data))
		case mcp.AudioContent:
			fmt.Fprintf(w, "[audio %s, %d bytes]\n", c.MIMEType, decodedLen(c.Data))
		case mcp.ResourceLink:
			fmt.Fprintf(w, "[resource %s %s]\n", c.Name, c.URI)
		case mcp.EmbeddedResource:
			writeResourceContents(w, []mcp.ResourceContents{c.Resource})
		default:
			_ = writeValue(w, block)
		}
	}
}

func writeResourceContents(w io.Writer, contents []mcp.ResourceContents) {
	for _, rc := range contents {
		switch c := rc.(type) {
		case mcp.TextResourceContents:
			fmt.Fprintln(w, c.Text)
		case mcp.BlobResourceContents:
			fmt.Fprintf(w, "[blob %s %s, %d bytes]\n", c.URI, c.MIMEType, decodedLen(c.Blob))
		default:
			_ = writeValue(w, rc)
		}
	}
}

// writeValue prints strings raw and everything else as indented JSON.
func writeValue(w io.Writer, v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func decodedLen(data string) int {
	return base64.StdEncoding.DecodedLen(len(data))
}
