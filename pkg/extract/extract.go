// Package extract talks to the receipt extraction model and parses its
// output into the untrusted record shape consumed by the normalizer.
package extract

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"finledger/pkg/normalize"
)

// DefaultModel is the Gemini model used for receipt extraction.
const DefaultModel = "gemini-2.5-flash"

// Client is a process-wide handle to the extraction model. Build it once at
// startup and pass it explicitly to callers; it is immutable and safe for
// concurrent use.
type Client struct {
	genai *genai.Client
	model string
}

// NewClient creates the extraction client. Credentials are picked up from the
// environment (GEMINI_API_KEY / GOOGLE_API_KEY) by the genai SDK.
func NewClient(ctx context.Context, model string) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("extract: create genai client: %w", err)
	}
	return &Client{genai: gc, model: model}, nil
}

// ScanReceipt sends a receipt document to the model and returns the parsed
// untrusted record. The model's text output is opaque up to ParseRecord; a
// structurally unparseable response is a hard error.
func (c *Client) ScanReceipt(ctx context.Context, data []byte, mimeType string) (normalize.Record, error) {
	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: receiptPrompt()},
				{
					InlineData: &genai.Blob{
						MIMEType: mimeType,
						Data:     data,
					},
				},
			},
		},
	}
	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return normalize.Record{}, fmt.Errorf("extract: generate content: %w", err)
	}
	raw := resp.Text()
	if raw == "" {
		return normalize.Record{}, fmt.Errorf("extract: empty response from model")
	}
	return ParseRecord(raw)
}

// receiptPrompt builds the extraction instructions, constraining categories
// to the normalizer's allow-list. The normalizer still re-checks every label;
// the prompt only improves the hit rate.
func receiptPrompt() string {
	var b strings.Builder
	b.WriteString("You are a receipt parser.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Read the attached receipt image or document.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n")
	b.WriteString("- Output a single JSON object.\n\n")
	b.WriteString("The object must have these fields:\n")
	b.WriteString("- \"amount\": number, the receipt total (positive)\n")
	b.WriteString("- \"date\": string, ISO format \"YYYY-MM-DD\"\n")
	b.WriteString("- \"description\": string, a short summary of the purchase\n")
	b.WriteString("- \"merchantName\": string, the merchant or store name\n")
	b.WriteString("- \"category\": string, EXACTLY one of the categories below\n\n")
	b.WriteString("Use ONLY the following categories:\n")
	for _, c := range normalize.Categories {
		b.WriteString("  - " + c + "\n")
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- If unsure about the category, use \"" + normalize.FallbackCategory + "\".\n")
	b.WriteString("- Return ONLY valid raw JSON.\n")
	b.WriteString("- Do NOT wrap the response in code fences.\n")
	b.WriteString("- Do NOT use ```json or any Markdown.\n")
	b.WriteString("- Output must begin with \"{\" and end with \"}\".\n")
	return b.String()
}
