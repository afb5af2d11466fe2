package signal

import (
	"sort"
	"unicode/utf16"
)

// UnknownContact labels mentions that resolve to no known contact.
const UnknownContact = "unknown_contact"

// ResolveMentions replaces every mention span in text with "@<name>".
// Spans are applied back-to-front so earlier offsets stay valid. name is
// asked for a display name and returns "" when the contact is unknown.
// Out-of-range spans are skipped.
func ResolveMentions(text string, mentions []Mention, name func(Mention) string) string {
	if len(mentions) == 0 {
		return text
	}
	sorted := make([]Mention, len(mentions))
	copy(sorted, mentions)
	SortMentions(sorted)

	units := utf16.Encode([]rune(text))
	for i := len(sorted) - 1; i >= 0; i-- {
		m := sorted[i]
		end := m.Start + m.Length
		if m.Start < 0 || m.Length < 0 || end > len(units) {
			continue
		}
		label := ""
		if name != nil {
			label = name(m)
		}
		if label == "" {
			label = UnknownContact
		}
		repl := utf16.Encode([]rune("@" + label))
		next := make([]uint16, 0, len(units)-m.Length+len(repl))
		next = append(next, units[:m.Start]...)
		next = append(next, repl...)
		next = append(next, units[end:]...)
		units = next
	}
	return string(utf16.Decode(units))
}

// SortMentions orders mentions by start offset in place.
func SortMentions(mentions []Mention) {
	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].Start < mentions[j].Start })
}
