// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import "encoding/json"

// extractJSON pulls a decoded value out of an agent's free-form text
// response: first try the whole string as JSON, then fall back to the
// first balanced {...} span, then the first balanced [...] span. Returns
// ok=false if none of the three parse.
func extractJSON(text string) (any, bool) {
	if v, ok := tryUnmarshal(text); ok {
		return v, true
	}
	if span, ok := firstBalancedSpan(text, '{', '}'); ok {
		if v, ok := tryUnmarshal(span); ok {
			return v, true
		}
	}
	if span, ok := firstBalancedSpan(text, '[', ']'); ok {
		if v, ok := tryUnmarshal(span); ok {
			return v, true
		}
	}
	return nil, false
}

func tryUnmarshal(text string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	return v, true
}

// firstBalancedSpan returns the substring starting at the first occurrence
// of open and ending at its matching close, honoring nesting and skipping
// delimiters inside quoted strings.
func firstBalancedSpan(text string, open, close byte) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if start == -1 {
			if c == open {
				start = i
				depth = 1
			}
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
