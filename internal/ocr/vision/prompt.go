// Package vision holds OCR providers backed by hosted or local vision
// models and document parsers.
package vision

import (
	"fmt"
	"strings"
)

const tableScanPrompt = `You are reading a photographed paper register (an attendance sheet, sign-up list or similar). Carefully read all handwritten and printed text in the image and transcribe the main table.

Return ONLY a markdown pipe table:
- The first row is the table's own header row, copied exactly as written on the paper.
- One markdown row per row on the paper, in order from top to bottom.
- Leave a cell empty when it is blank or unreadable. Never guess or invent values.
- Do not add commentary before or after the table.
- Do not wrap the table in code fences.`

// scanPrompt adds the expected column names to the base prompt
func scanPrompt(hints []string) string {
	if len(hints) == 0 {
		return tableScanPrompt
	}
	return fmt.Sprintf("%s\n\nThe register is expected to contain columns like: %s. Keep the header text as written on the paper even when it differs from these names.",
		tableScanPrompt, strings.Join(hints, ", "))
}

// stripFences removes a markdown code fence around a model reply
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.Contains(text[:nl], "|") {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
