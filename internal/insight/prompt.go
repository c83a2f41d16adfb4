package insight

import (
	"fmt"
	"strings"
)

// SystemPrompt builds the extraction instruction for a framework.
// roleA and roleB are the display names of the two active roles.
func SystemPrompt(fw Framework, roleA, roleB string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You listen to a live meeting between a %s and a %s and maintain a structured record of it.\n", roleA, roleB)
	b.WriteString("Each user message is one finalized transcript turn. ")
	fmt.Fprintf(&b, "Turns usually start with a speaker label such as \"[%s]: \" or \"[%s]: \". ", roleA, roleB)
	b.WriteString("Some turns carry no label or a generic one; infer the speaker from context when that happens.\n\n")

	b.WriteString("Rules:\n")
	b.WriteString("- Call tools only for information that is genuinely new or changed. Never repeat what the record already holds.\n")
	b.WriteString("- update_qualification must include only the fields for which this turn provides new data. Omit every other field.\n")
	b.WriteString("- Add concerns, questions and reminders only on a clear new signal in the conversation.\n")
	b.WriteString("- Summary points are short, factual and written in the third person.\n")
	b.WriteString("- If the turn adds nothing, reply with a brief acknowledgment and call no tools.\n\n")

	fmt.Fprintf(&b, "Qualification framework: %s\n", strings.ToUpper(fw.Name))
	for _, field := range fw.Fields {
		fmt.Fprintf(&b, "- %s: %s\n", field, fw.Descriptions[field])
	}
	fmt.Fprintf(&b, "Fields start as %q and keep their last confirmed value.\n", NotIdentified)

	return b.String()
}

// FormatTurn renders a transcript turn as the user message text
func FormatTurn(t Turn) string {
	if t.Role == "" {
		return t.Text
	}
	return fmt.Sprintf("[%s]: %s", t.Role, t.Text)
}
