package report

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Parser deserializes an exported transcript back into structured data.
type Parser interface {
	Parse(data []byte) (*Transcript, error)
}

// Detect picks the parser for data: Markdown exports start with the version
// sentinel, anything else is treated as JSON.
func Detect(data []byte) Parser {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(versionSentinel)) {
		return &MarkdownParser{}
	}
	return &JSONParser{}
}

// JSONParser parses a JSON-encoded Transcript.
type JSONParser struct{}

func (p *JSONParser) Parse(data []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse JSON transcript: %w", err)
	}
	return &t, nil
}

// MarkdownParser parses a Markdown-rendered Transcript by extracting the
// embedded base64 JSON payload from the sentinel comments.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(data []byte) (*Transcript, error) {
	content := string(data)

	if !strings.Contains(content, versionSentinel) {
		return nil, fmt.Errorf("not a valid codexd transcript: missing version sentinel")
	}

	start := strings.Index(content, dataPrefix)
	if start == -1 {
		return nil, fmt.Errorf("not a valid codexd transcript: missing data payload")
	}
	start += len(dataPrefix)
	end := strings.Index(content[start:], dataSuffix)
	if end == -1 {
		return nil, fmt.Errorf("not a valid codexd transcript: malformed data payload")
	}
	encoded := content[start : start+end]

	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("not a valid codexd transcript: corrupted base64 payload: %w", err)
	}

	var t Transcript
	if err := json.Unmarshal(jsonBytes, &t); err != nil {
		return nil, fmt.Errorf("not a valid codexd transcript: failed to parse embedded JSON: %w", err)
	}
	return &t, nil
}
