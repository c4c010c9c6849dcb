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

package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RenderForPrompt renders s as JSON-Schema text for the analyze-mode agent
// system prompt, followed by an unambiguous instruction that the agent must
// respond with only that JSON.
func RenderForPrompt(s *Schema) (string, error) {
	text, err := toJSONSchemaText(s)
	if err != nil {
		return "", fmt.Errorf("render output schema: %w", err)
	}
	return fmt.Sprintf(
		"Respond with only valid JSON matching this schema. Do not include any "+
			"other text, explanation, or markdown formatting before or after the JSON.\n\n%s",
		text,
	), nil
}

// toJSONSchemaText converts our hand-rolled Schema into an invopop/jsonschema
// document and renders it to indented JSON text.
func toJSONSchemaText(s *Schema) (string, error) {
	doc := toInvopop(s)
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toInvopop(s *Schema) *jsonschema.Schema {
	if s == nil {
		return &jsonschema.Schema{}
	}

	doc := &jsonschema.Schema{
		Type:        string(s.Type),
		Description: s.Description,
		Pattern:     s.Pattern,
		Required:    s.Required,
	}

	if len(s.Enum) > 0 {
		doc.Enum = s.Enum
	}
	if s.Minimum != nil {
		doc.Minimum = json.Number(fmt.Sprintf("%v", *s.Minimum))
	}
	if s.Maximum != nil {
		doc.Maximum = json.Number(fmt.Sprintf("%v", *s.Maximum))
	}
	if s.Items != nil {
		doc.Items = toInvopop(s.Items)
	}
	if len(s.Properties) > 0 {
		props := orderedmap.New[string, *jsonschema.Schema]()
		for name, propSchema := range s.Properties {
			props.Set(name, toInvopop(propSchema))
		}
		doc.Properties = props
	}

	return doc
}
