package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mizan-engine/internal/models"
)

const ReferenceLookupTool = "reference_lookup"

type Reference struct {
	Collection string `json:"collection"`
	Number     int    `json:"number,omitempty"`
	Chapter    int    `json:"chapter,omitempty"`
	Verse      int    `json:"verse,omitempty"`
}

func (r Reference) String() string {
	if r.Collection == "quran" {
		return fmt.Sprintf("quran %d:%d", r.Chapter, r.Verse)
	}
	return fmt.Sprintf("%s %d", r.Collection, r.Number)
}

type ReferenceText struct {
	Reference Reference `json:"reference"`
	Citation  string    `json:"citation"`
	Text      string    `json:"text"`
	Narrators []string  `json:"narrators,omitempty"`
	Grade     string    `json:"grade,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// ReferenceSource resolves a scripture or tradition reference to its text.
type ReferenceSource interface {
	Lookup(ctx context.Context, ref Reference) (*ReferenceText, error)
}

type ReferenceLookupResult struct {
	References []ReferenceText `json:"references"`
	Missing    []string        `json:"missing,omitempty"`
}

var (
	hadithRef = regexp.MustCompile(`(?i)\b(?:sahih\s+)?(bukhari|muslim|tirmidhi|abu\s+dawud|nasa'?i|ibn\s+majah)\b[\s,]*(?:hadith\s*)?(?:no\.?|number|#)?\s*(\d{1,5})\b`)
	quranRef  = regexp.MustCompile(`(?i)\b(?:quran|qur'an|surah)\s+(\d{1,3})\s*(?::|\s+verse\s+|\s+ayah\s+)\s*(\d{1,3})\b`)
)

var collectionIDs = map[string]string{
	"bukhari":   "bukhari",
	"muslim":    "muslim",
	"tirmidhi":  "tirmidhi",
	"abu dawud": "abu-dawud",
	"nasai":     "nasai",
	"nasa'i":    "nasai",
	"ibn majah": "ibn-majah",
}

// ParseReferences finds hadith and Quran references in text, in order of appearance.
func ParseReferences(text string) []Reference {
	type located struct {
		pos int
		ref Reference
	}
	var found []located

	for _, m := range hadithRef.FindAllStringSubmatchIndex(text, -1) {
		name := strings.Join(strings.Fields(strings.ToLower(text[m[2]:m[3]])), " ")
		number, err := strconv.Atoi(text[m[4]:m[5]])
		if err != nil || number == 0 {
			continue
		}
		found = append(found, located{m[0], Reference{Collection: collectionIDs[name], Number: number}})
	}
	for _, m := range quranRef.FindAllStringSubmatchIndex(text, -1) {
		chapter, _ := strconv.Atoi(text[m[2]:m[3]])
		verse, _ := strconv.Atoi(text[m[4]:m[5]])
		if chapter < 1 || chapter > 114 || verse < 1 {
			continue
		}
		found = append(found, located{m[0], Reference{Collection: "quran", Chapter: chapter, Verse: verse}})
	}

	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j].pos < found[j-1].pos; j-- {
			found[j], found[j-1] = found[j-1], found[j]
		}
	}

	refs := make([]Reference, 0, len(found))
	seen := make(map[string]bool)
	for _, f := range found {
		if key := f.ref.String(); !seen[key] {
			seen[key] = true
			refs = append(refs, f.ref)
		}
	}
	return refs
}

type ReferenceTool struct {
	source ReferenceSource
}

func NewReferenceTool(source ReferenceSource) *ReferenceTool {
	return &ReferenceTool{source: source}
}

func (t *ReferenceTool) Name() string { return ReferenceLookupTool }

func (t *ReferenceTool) DeclaredDependencies() []string { return nil }

func (t *ReferenceTool) TTL() time.Duration { return 7 * 24 * time.Hour }

func (t *ReferenceTool) CacheKey(params map[string]any, tctx ToolContext) string {
	refs := t.references(params, tctx)
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = ref.String()
	}
	return models.HashKey(ReferenceLookupTool, keys)
}

func (t *ReferenceTool) ExtractParameters(clause string) map[string]any {
	params := map[string]any{"text": clause}
	refs := ParseReferences(clause)
	if len(refs) > 0 {
		keys := make([]string, len(refs))
		for i, ref := range refs {
			keys[i] = ref.String()
		}
		params["references"] = keys
	}
	return params
}

func (t *ReferenceTool) Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error) {
	refs := t.references(params, tctx)
	if len(refs) == 0 {
		return nil, models.ErrInvalidParameters.WithMetadata("references", "none found in query")
	}

	result := ReferenceLookupResult{}
	for _, ref := range refs {
		text, err := t.source.Lookup(ctx, ref)
		if err != nil {
			if models.IsRetryable(err) {
				return nil, err
			}
			result.Missing = append(result.Missing, ref.String())
			continue
		}
		result.References = append(result.References, *text)
	}

	if len(result.References) == 0 {
		return models.NewNoAnswerResult(ReferenceLookupTool, "reference not found: "+strings.Join(result.Missing, ", ")), nil
	}

	toolResult, err := models.NewSuccessResult(ReferenceLookupTool, result, 0.9)
	if err != nil {
		return nil, err
	}
	toolResult.Source = result.References[0].Citation
	toolResult.SourceURL = result.References[0].URL
	return toolResult, nil
}

func (t *ReferenceTool) references(params map[string]any, tctx ToolContext) []Reference {
	if keys := stringsParam(params, "references"); len(keys) > 0 {
		var refs []Reference
		for _, key := range keys {
			refs = append(refs, ParseReferences(strings.Replace(key, "-", " ", 1))...)
		}
		if len(refs) > 0 {
			return refs
		}
	}
	if text := stringParam(params, "text"); text != "" {
		return ParseReferences(text)
	}
	return ParseReferences(tctx.Query)
}
