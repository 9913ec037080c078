package providers

// SanitizeMessages enforces the conversation ordering invariant before a
// payload is transmitted: a system message may appear only first, and a
// tool message only inside a run that immediately follows an assistant
// message bearing matching tool calls. Offending messages are dropped, not
// rejected — upstreams return 400 for sequences that violate these rules,
// and one bad historical message must not poison the whole request.
func SanitizeMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if len(out) > 0 {
				continue
			}
			out = append(out, m)
		case "user", "assistant":
			out = append(out, m)
		case "tool":
			if !toolRunValid(out, m.ToolCallID) {
				continue
			}
			out = append(out, m)
		default:
			continue
		}
	}
	return out
}

// toolRunValid reports whether appending a tool message with the given
// call id keeps the sequence valid: walking back over any trailing tool
// messages must reach an assistant message that bears tool calls, one of
// which matches the id (when the id is set).
func toolRunValid(kept []Message, callID string) bool {
	i := len(kept) - 1
	for i >= 0 && kept[i].Role == "tool" {
		i--
	}
	if i < 0 || kept[i].Role != "assistant" || len(kept[i].ToolCalls) == 0 {
		return false
	}
	if callID == "" {
		return true
	}
	for _, tc := range kept[i].ToolCalls {
		if tc.ID == callID {
			return true
		}
	}
	return false
}
