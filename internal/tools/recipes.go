// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jeranaias/alpaca-core/internal/store"
)

// mealCategories are TheMealDB categories; "Random" picks one of the others.
var mealCategories = []string{
	"Random", "Beef", "Chicken", "Dessert", "Lamb", "Miscellaneous", "Pasta", "Pork",
	"Seafood", "Side", "Starter", "Vegan", "Vegetarian", "Breakfast", "Goat",
}

type mealDB struct {
	web  *webClient
	base string
	// pick chooses an index below n.
	pick func(n int) int
}

type mealList struct {
	Meals []map[string]any `json:"meals"`
}

func (m *mealDB) choose(n int) int {
	if m.pick != nil {
		return m.pick(n)
	}
	return rand.IntN(n)
}

func (m *mealDB) byNameTool() *Tool {
	return &Tool{
		Name:        "get_recipe_by_name",
		DisplayName: "Get Recipe by Name",
		Description: "Gets the recipe of a meal in JSON format by its name",
		Schema: Schema{Parameters: []Parameter{{
			Name: "meal", Type: "string", Required: true, Description: "The name of a meal",
		}}},
		EnabledByDefault: true,
		Executor:         ExecutorFunc(m.byName),
	}
}

func (m *mealDB) byName(ctx context.Context, call Call) (Result, error) {
	meal := strings.ReplaceAll(call.String("meal"), "_", " ")
	meal = cases.Title(language.Und).String(strings.TrimSpace(meal))
	if meal == "" {
		return failed("meal was not provided"), nil
	}
	var list mealList
	if err := m.web.getJSON(ctx, m.base+"/search.php?s="+url.QueryEscape(meal), &list); err != nil {
		return Result{}, err
	}
	if len(list.Meals) == 0 {
		return success("{'error': '404: Not Found'}"), nil
	}
	return m.recipe(list.Meals[0])
}

func (m *mealDB) byCategoryTool() *Tool {
	return &Tool{
		Name:        "get_recipes_by_category",
		DisplayName: "Get Recipes by Category",
		Description: "Gets a list of food recipes names filtered by category",
		Schema: Schema{Parameters: []Parameter{
			{
				Name: "category", Type: "string", Required: true,
				Description: "The category of food to filter recipes by",
				Enum:        mealCategories,
			},
			{
				Name: "mode", Type: "string", Required: true,
				Description: "Whether to get a single meal with it's recipe or a list of recipe names",
				Enum:        []string{"single recipe", "list of meals"},
			},
		}},
		EnabledByDefault: true,
		Executor:         ExecutorFunc(m.byCategory),
	}
}

func (m *mealDB) byCategory(ctx context.Context, call Call) (Result, error) {
	category := call.String("category")
	if category == "" || category == "Random" {
		category = mealCategories[1+m.choose(len(mealCategories)-1)]
	}
	var list mealList
	if err := m.web.getJSON(ctx, m.base+"/filter.php?c="+url.QueryEscape(category), &list); err != nil {
		return Result{}, err
	}
	if len(list.Meals) == 0 {
		return success("{'error': '404: Not Found'}"), nil
	}

	if call.String("mode") == "single recipe" {
		id, _ := list.Meals[m.choose(len(list.Meals))]["idMeal"].(string)
		var detail mealList
		if err := m.web.getJSON(ctx, m.base+"/lookup.php?i="+url.QueryEscape(id), &detail); err != nil {
			return Result{}, err
		}
		if len(detail.Meals) > 0 {
			return m.recipe(detail.Meals[0])
		}
	}

	names := make([]string, 0, len(list.Meals))
	for _, meal := range list.Meals {
		if name, _ := meal["strMeal"].(string); name != "" {
			names = append(names, "- "+name)
		}
	}
	return success(strings.Join(names, "\n")), nil
}

// recipe returns a meal record with its picture, video and source links.
func (m *mealDB) recipe(meal map[string]any) (Result, error) {
	data, err := json.MarshalIndent(meal, "", "  ")
	if err != nil {
		return Result{}, err
	}
	var links []store.Attachment
	name, _ := meal["strMeal"].(string)
	if name == "" {
		name = "Meal"
	}
	if thumb, _ := meal["strMealThumb"].(string); thumb != "" {
		links = append(links, link(name, thumb))
	}
	if video, _ := meal["strYoutube"].(string); video != "" {
		links = append(links, link("YouTube Video", video))
	}
	if source, _ := meal["strSource"].(string); source != "" {
		links = append(links, link("Source", source))
	}
	return success(string(data), links...), nil
}
