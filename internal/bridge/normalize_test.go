// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChunk(t *testing.T) {
	testCases := []struct {
		name     string
		payload  string
		expected string
	}{
		{"framed", "0:\"hello\"\n", "hello"},
		{"raw", "hello", "hello"},
		{"framed with escapes", `0:"line\nbreak \"q\""` + "\n", "line\nbreak \"q\""},
		{"framed unicode", "0:\"caf\\u00e9\"\n", "café"},
		{"other index", "12:\"x\"\n", "x"},
		{"inner not json", "0:not json\n", "not json"},
		{"separator only", "note: plain text", "note: plain text"},
		{"newline only", "plain text\n", "plain text\n"},
		{"newline before separator", "a\nb:c", "a\nb:c"},
		{"empty", "", ""},
		{"framed empty string", "0:\"\"\n", ""},
		{"trailing blank line", "0:\"a\"\n\n", "a"},
		{"last newline wins", "0:\"a\"\nb\n", "\"a\"\nb"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizeChunk(tc.payload))
		})
	}
}

func TestFragmentEncoding(t *testing.T) {
	value := EncodeFragment("4 <b>&</b>")
	assert.JSONEq(t, `{"content":"4 <b>&</b>"}`, string(value))

	frag, err := DecodeFragment(value)
	require.NoError(t, err)
	assert.Equal(t, "4 <b>&</b>", frag.Content)

	_, err = DecodeFragment([]byte("not json"))
	assert.Error(t, err)
}
