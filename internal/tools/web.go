// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jeranaias/alpaca-core/internal/store"
)

// =============================================================================
// extract_wikipedia
// =============================================================================

var (
	dropTagRe    = regexp.MustCompile(`(?is)<(script|style|head)\b.*?</(script|style|head)>`)
	headingTagRe = regexp.MustCompile(`(?i)<h([1-6])\b[^>]*>`)
	blockTagRe   = regexp.MustCompile(`(?i)</?(p|div|section|br|tr|table|ul|ol|h[1-6])\b[^>]*>`)
	listItemRe   = regexp.MustCompile(`(?i)<li\b[^>]*>`)
	blankRunRe   = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+`)
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
)

var stripPolicy = bluemonday.StrictPolicy()

// htmlToText reduces an article page to readable text with markdown
// headings and bullets.
func htmlToText(page string) string {
	page = dropTagRe.ReplaceAllString(page, "")
	page = headingTagRe.ReplaceAllStringFunc(page, func(tag string) string {
		level := headingTagRe.FindStringSubmatch(tag)[1]
		return "\n\n" + strings.Repeat("#", int(level[0]-'0')) + " "
	})
	page = listItemRe.ReplaceAllString(page, "\n- ")
	page = blockTagRe.ReplaceAllString(page, "\n\n")
	text := html.UnescapeString(stripPolicy.Sanitize(page))
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func wikipediaTool(web *webClient, base string) *Tool {
	return &Tool{
		Name:        "extract_wikipedia",
		DisplayName: "Extract Wikipedia Article",
		Description: "Extract an article from Wikipedia from it's title",
		Schema: Schema{Parameters: []Parameter{{
			Name: "title", Type: "string", Required: true, Description: "The title of the Wikipedia Article",
		}}},
		EnabledByDefault: true,
		Executor: ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
			title := strings.TrimSpace(call.String("title"))
			if title == "" {
				return failed("Article title was not provided"), nil
			}
			var found struct {
				Pages []struct {
					Key   string `json:"key"`
					Title string `json:"title"`
				} `json:"pages"`
			}
			if err := web.getJSON(ctx, base+"/search/title?limit=1&q="+url.QueryEscape(title), &found); err != nil {
				return Result{}, err
			}
			if len(found.Pages) == 0 {
				return failed("No results found"), nil
			}
			key := found.Pages[0].Key
			page, err := web.get(ctx, base+"/page/"+url.PathEscape(key)+"/html")
			if err != nil {
				return Result{}, err
			}
			return success(fmt.Sprintf("# %s\n\n%s", key, htmlToText(string(page))),
				link("Wikipedia", "https://en.wikipedia.org/wiki/"+url.PathEscape(key))), nil
		}),
	}
}

// =============================================================================
// online_search
// =============================================================================

type instantAnswer struct {
	Heading        string         `json:"Heading"`
	AbstractText   string         `json:"AbstractText"`
	AbstractSource string         `json:"AbstractSource"`
	AbstractURL    string         `json:"AbstractURL"`
	Image          string         `json:"Image"`
	OfficialSite   string         `json:"OfficialWebsite"`
	Infobox        any            `json:"Infobox"`
	RelatedTopics  []relatedTopic `json:"RelatedTopics"`
}

type relatedTopic struct {
	FirstURL string         `json:"FirstURL"`
	Text     string         `json:"Text"`
	Name     string         `json:"Name"`
	Topics   []relatedTopic `json:"Topics"`
}

func searchTool(web *webClient, base string) *Tool {
	return &Tool{
		Name:        "online_search",
		DisplayName: "Online Search",
		Description: "Search for a term online using DuckDuckGo returning results",
		Schema: Schema{Parameters: []Parameter{{
			Name: "search_term", Type: "string", Required: true,
			Description: "The term to search online, be punctual and use the least possible amount of words to get general results",
		}}},
		EnabledByDefault: true,
		Executor: ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
			term := strings.TrimSpace(call.String("search_term"))
			if term == "" {
				return failed("Search term was not provided"), nil
			}
			q := url.Values{"q": {term}, "format": {"json"}, "no_html": {"1"}}
			var answer instantAnswer
			if err := web.getJSON(ctx, base+"?"+q.Encode(), &answer); err != nil {
				return Result{}, err
			}
			text, links := answer.markdown()
			if text == "" {
				return Result{Error: "No results found", Attachments: links}, nil
			}
			return success(text, links...), nil
		}),
	}
}

// markdown renders an instant answer; it is empty when nothing beyond the
// heading was found.
func (a instantAnswer) markdown() (string, []store.Attachment) {
	heading := a.Heading
	if heading == "" {
		heading = "Abstract"
	}
	parts := []string{"# " + heading}
	var links []store.Attachment

	if a.AbstractURL != "" {
		links = append(links, link(orDefault(a.AbstractSource, "Abstract Source"), a.AbstractURL))
	}
	if a.AbstractText != "" {
		parts = append(parts, a.AbstractText)
	}
	if a.Image != "" {
		img := a.Image
		if strings.HasPrefix(img, "/") {
			img = "https://duckduckgo.com" + img
		}
		links = append(links, link(orDefault(a.Heading, "Web Result Image"), img))
	}
	if info := a.infobox(); info != "" {
		parts = append(parts, "## General Information", info)
	}
	if a.OfficialSite != "" {
		links = append(links, link("Official Website", a.OfficialSite))
	}

	if len(parts) == 1 && len(a.RelatedTopics) > 0 {
		parts = append(parts,
			"No direct results were found but there are some related topics.",
			"## Related Topics", "### Main Results")
		for _, t := range a.RelatedTopics {
			switch {
			case t.FirstURL != "":
				parts = append(parts, "#### "+topicTitle(t.FirstURL), t.Text)
			case t.Name != "":
				parts = append(parts, "### "+t.Name)
				for _, sub := range t.Topics {
					parts = append(parts, "#### "+topicTitle(sub.FirstURL), sub.Text)
				}
			}
		}
	}
	if len(parts) == 1 {
		return "", links
	}
	return strings.Join(parts, "\n\n"), links
}

// infobox renders the string entries of the infobox as a bullet list.
// DuckDuckGo sends "" instead of an object when there is none.
func (a instantAnswer) infobox() string {
	box, ok := a.Infobox.(map[string]any)
	if !ok {
		return ""
	}
	entries, _ := box["content"].([]any)
	var b strings.Builder
	for _, raw := range entries {
		e, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		dataType, _ := e["data_type"].(string)
		label, _ := e["label"].(string)
		value, _ := e["value"].(string)
		if dataType == "string" && label != "" && value != "" {
			fmt.Fprintf(&b, "- **%s**: %s\n", label, value)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func topicTitle(firstURL string) string {
	i := strings.LastIndex(firstURL, "/")
	name := strings.ReplaceAll(firstURL[i+1:], "_", " ")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return cases.Title(language.Und).String(name)
}
