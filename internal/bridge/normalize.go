// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"encoding/json"
	"strings"
)

// Fragment is one unit of assistant output as handed to the consumer.
type Fragment struct {
	Content string `json:"content"`
}

// NormalizeChunk extracts the text of a chunk payload.
//
// A framed payload "<index>:<json-string>\n" yields the decoded string. When
// the part between the first ':' and the last '\n' is not a JSON string it
// is used verbatim. Payloads without both markers in that order are raw
// text and are returned unchanged.
func NormalizeChunk(payload string) string {
	sep := strings.IndexByte(payload, ':')
	nl := strings.LastIndexByte(payload, '\n')
	if sep < 0 || nl <= sep {
		return payload
	}

	inner := payload[sep+1 : nl]
	var text string
	if err := json.Unmarshal([]byte(inner), &text); err != nil {
		return inner
	}
	return text
}

// EncodeFragment wraps content as {"content": content}.
func EncodeFragment(content string) []byte {
	// Marshaling a struct of one string field cannot fail.
	data, _ := json.Marshal(Fragment{Content: content})
	return data
}

// DecodeFragment parses a value produced by EncodeFragment.
func DecodeFragment(data []byte) (Fragment, error) {
	var f Fragment
	if err := json.Unmarshal(data, &f); err != nil {
		return Fragment{}, err
	}
	return f, nil
}
