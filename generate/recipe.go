package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/GoCodeAlone/taskdeck/internal/apperr"
	"github.com/GoCodeAlone/taskdeck/provider"
)

// Ingredient is one line of a recipe's ingredient list.
type Ingredient struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
}

// Recipe is the structured generation result.
type Recipe struct {
	Name        string       `json:"name"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []string     `json:"steps"`
}

// RecipeObject is the top-level object the model must return.
type RecipeObject struct {
	Recipe Recipe `json:"recipe"`
}

// RecipeSchema describes RecipeObject.
var RecipeSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"recipe"},
	Properties: map[string]*jsonschema.Schema{
		"recipe": {
			Type:     "object",
			Required: []string{"name", "ingredients", "steps"},
			Properties: map[string]*jsonschema.Schema{
				"name": {Type: "string", Description: "Name of the dish"},
				"ingredients": {
					Type: "array",
					Items: &jsonschema.Schema{
						Type:     "object",
						Required: []string{"name", "amount"},
						Properties: map[string]*jsonschema.Schema{
							"name":   {Type: "string", Description: "Ingredient name"},
							"amount": {Type: "string", Description: "Quantity with unit, e.g. \"200 g\""},
						},
					},
				},
				"steps": {
					Type:        "array",
					Description: "Preparation steps in order",
					Items:       &jsonschema.Schema{Type: "string"},
				},
			},
		},
	},
}

var (
	recipeResolved *jsonschema.Resolved
	recipeJSON     json.RawMessage
)

func init() {
	var err error
	recipeResolved, err = RecipeSchema.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("generate: resolve recipe schema: %v", err))
	}
	recipeJSON, err = json.Marshal(RecipeSchema)
	if err != nil {
		panic(fmt.Sprintf("generate: marshal recipe schema: %v", err))
	}
}

// Recipe asks the provider for a recipe matching prompt and validates the
// answer against RecipeSchema. Output that does not decode or validate is
// a SchemaValidationFailure; no partial object is returned.
func (s *Service) Recipe(ctx context.Context, prompt string) (*RecipeObject, error) {
	if err := validate("generate.recipe", prompt); err != nil {
		return nil, err
	}
	resp, err := s.provider.Chat(ctx, provider.Request{
		Messages: messages("", prompt),
		Schema:   recipeJSON,
	})
	if err != nil {
		s.logger.Error("recipe generation failed", slog.String("provider", s.provider.Name()), slog.Any("err", err))
		return nil, upstream("generate.recipe", err)
	}
	s.record(resp.Usage)

	obj, err := decodeRecipe(resp.Text)
	if err != nil {
		s.logger.Warn("recipe output rejected", slog.String("provider", s.provider.Name()), slog.Any("err", err))
		return nil, &apperr.Error{
			Kind: apperr.KindSchemaValidationFailure,
			Op:   "generate.recipe",
			Msg:  "model output does not match the recipe schema",
			Err:  err,
		}
	}
	return obj, nil
}

func decodeRecipe(text string) (*RecipeObject, error) {
	raw := []byte(stripFences(text))

	var instance map[string]any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := recipeResolved.Validate(instance); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var obj RecipeObject
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if obj.Recipe.Ingredients == nil {
		obj.Recipe.Ingredients = []Ingredient{}
	}
	if obj.Recipe.Steps == nil {
		obj.Recipe.Steps = []string{}
	}
	return &obj, nil
}

// stripFences removes a surrounding ```json fence some models add even in
// JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
