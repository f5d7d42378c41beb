package core

import (
	"strings"
)

var supportedLanguages = map[string]struct{}{
	"en": {}, "hi": {}, "kn": {}, "mr": {}, "te": {}, "ml": {}, "ta": {},
}

var languageAliases = map[string]string{
	"eng":       "en",
	"english":   "en",
	"hindi":     "hi",
	"kannada":   "kn",
	"marathi":   "mr",
	"telugu":    "te",
	"malayalam": "ml",
	"tamil":     "ta",
}

// NormalizeLanguage lowercases a language code and resolves common aliases.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if alias, ok := languageAliases[lang]; ok {
		return alias
	}
	return lang
}

func IsSupportedLanguage(lang string) bool {
	_, ok := supportedLanguages[lang]
	return ok
}

// ClassRouter maps a job type and source language to the resource class
// whose workers can execute the task.
type ClassRouter struct {
	NMT         ResourceClass
	ASRPrimary  ResourceClass
	ASRFallback ResourceClass

	primary map[string]struct{}
}

func NewClassRouter(nmt, asrPrimary, asrFallback ResourceClass, primaryLanguages []string) *ClassRouter {
	primary := make(map[string]struct{}, len(primaryLanguages))
	for _, lang := range primaryLanguages {
		primary[NormalizeLanguage(lang)] = struct{}{}
	}
	return &ClassRouter{
		NMT:         nmt,
		ASRPrimary:  asrPrimary,
		ASRFallback: asrFallback,
		primary:     primary,
	}
}

// Route returns the resource class for a task. Audio in an unknown source
// language goes to the primary ASR class, which detects the language itself.
func (r *ClassRouter) Route(jobType JobType, srcLang string) ResourceClass {
	if jobType == JobTypeNMT {
		return r.NMT
	}
	if srcLang == "" || r.ASRFallback == "" {
		return r.ASRPrimary
	}
	if _, ok := r.primary[srcLang]; ok {
		return r.ASRPrimary
	}
	return r.ASRFallback
}

// Classes lists the distinct classes the router can produce.
func (r *ClassRouter) Classes() []ResourceClass {
	seen := make(map[ResourceClass]struct{})
	var out []ResourceClass
	for _, c := range []ResourceClass{r.ASRPrimary, r.ASRFallback, r.NMT} {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
