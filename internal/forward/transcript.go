package forward

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
)

// transcriptEntry covers both transcript layouts: content at the top level,
// or nested under "message" as the agent CLI writes it.
type transcriptEntry struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (e *transcriptEntry) role() string {
	switch e.Type {
	case "user", "user_message":
		return "user"
	case "assistant", "assistant_message":
		return "assistant"
	}
	return ""
}

func (e *transcriptEntry) text() string {
	raw := e.Content
	if e.Message != nil && len(e.Message.Content) > 0 {
		raw = e.Message.Content
	}
	return contentText(raw)
}

// contentText flattens a string or a list of content blocks into text.
// Non-text blocks such as tool calls and tool results are skipped.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// LastAssistantMessage returns the text of the most recent assistant reply in
// the transcript at path, and the conversation turn it belongs to: the
// number of user prompts seen so far. Malformed lines are skipped.
func LastAssistantMessage(path string) (text string, turn int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return lastAssistantMessage(f)
}

func lastAssistantMessage(r io.Reader) (string, int, error) {
	reader := bufio.NewReader(r)
	var last string
	turn := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return last, turn, err
		}
		if len(line) > 0 {
			var entry transcriptEntry
			if jerr := json.Unmarshal(line, &entry); jerr == nil {
				switch entry.role() {
				case "user":
					// Tool results come back as user entries without text.
					if entry.text() != "" {
						turn++
					}
				case "assistant":
					if t := entry.text(); t != "" {
						last = t
					}
				}
			}
		}
		if err == io.EOF {
			break
		}
	}
	return last, turn, nil
}
