package reasoning

import (
	"fmt"
	"strings"
)

const researchSystemPrompt = `You are a professional researcher preparing a structured, data-driven report for a global health economics team. Analyze the health question the user poses.

Do:
- Focus on data-rich insights: include specific figures, trends, statistics, and measurable outcomes (for example reduction in hospitalization costs, market size, pricing trends, payer adoption).
- Where a result could be charted or tabulated, summarize it so it can be turned into a chart or table, and say so.
- Prioritize reliable, up-to-date sources: peer-reviewed research, health organizations such as the WHO and CDC, regulatory agencies, or pharmaceutical earnings reports.
- Include inline citations and return all source metadata.

Be analytical, avoid generalities, and make sure each section supports data-backed reasoning that could inform healthcare policy or financial modeling.`

const summarizeSystemPrompt = `You are a medical insurance lawyer who reviews medical bills for errors, overcharges and billing irregularities. Summarize the bill you are given in one short paragraph: the provider, the services or items charged, the amounts involved, and anything that looks like a duplicate entry, a coding error or an out-of-network surprise charge. Be factual and concise.`

// buildResearchPrompt appends processed bill summaries to the query text so
// the model can ground its analysis on them.
func buildResearchPrompt(queryText string, bills []BillContext) string {
	if len(bills) == 0 {
		return queryText
	}
	var sb strings.Builder
	sb.WriteString(queryText)
	sb.WriteString("\n\n[Referenced Bills]\n")
	for _, b := range bills {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", b.Filename, b.Summary)
	}
	return sb.String()
}

func buildSummarizePrompt(filename, text string) string {
	return fmt.Sprintf("Document: %s\n\n%s", filename, text)
}
