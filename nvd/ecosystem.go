package nvd

import (
	"regexp"
	"strings"
)

// ecosystem hints found in descriptions: file extensions and keywords.
var ecosystemHints = map[string]struct {
	extensions []string
	keywords   []string
}{
	"java": {
		extensions: []string{"java", "jar", "jsp", "war", "class"},
		keywords:   []string{"java se", "jdk", "jre", "servlet", "maven"},
	},
	"npm": {
		extensions: []string{"js", "mjs", "ts"},
		keywords:   []string{"node.js", "nodejs", "npm"},
	},
	"python": {
		extensions: []string{"py"},
		keywords:   []string{"python", "pypi", "django"},
	},
	"ruby": {
		extensions: []string{"rb", "gemspec"},
		keywords:   []string{"ruby", "rubygems", "ruby on rails"},
	},
	"php": {
		extensions: []string{"php"},
		keywords:   []string{"wordpress plugin", "composer", "drupal"},
	},
	"dotnet": {
		extensions: []string{"cs", "dll", "aspx", "csproj"},
		keywords:   []string{".net framework", "asp.net", "nuget"},
	},
	"native": {
		extensions: []string{"c", "h", "cpp", "hpp", "cc"},
		keywords:   []string{"libc", "kernel module"},
	},
	"golang": {
		extensions: []string{"go"},
		keywords:   []string{"golang", "go module"},
	},
}

var (
	urlPattern        = regexp.MustCompile(`[a-z][a-z0-9+.\-]*://\S+`)
	ecosystemPatterns = compileEcosystemPatterns()
)

func compileEcosystemPatterns() map[string][]*regexp.Regexp {
	patterns := map[string][]*regexp.Regexp{}
	for eco, hints := range ecosystemHints {
		for _, ext := range hints.extensions {
			// a file name character before the dot, no word character after the extension
			patterns[eco] = append(patterns[eco], regexp.MustCompile(`[a-z0-9_\-]\.`+regexp.QuoteMeta(ext)+`(?:[^a-z0-9_]|$)`))
		}
		for _, kw := range hints.keywords {
			patterns[eco] = append(patterns[eco], regexp.MustCompile(`(?:^|[^a-z0-9_])`+regexp.QuoteMeta(kw)+`(?:[^a-z0-9_]|$)`))
		}
	}
	return patterns
}

// mapEcosystem guesses the ecosystem a description is about. Links are
// ignored and a tie between ecosystems gives no answer.
func mapEcosystem(description string) string {
	text := urlPattern.ReplaceAllString(strings.ToLower(description), " ")

	var (
		best      string
		bestScore int
		tie       bool
	)
	for eco, patterns := range ecosystemPatterns {
		score := 0
		for _, p := range patterns {
			score += len(p.FindAllStringIndex(text, -1))
		}
		switch {
		case score == 0:
		case score > bestScore:
			best, bestScore, tie = eco, score, false
		case score == bestScore:
			tie = true
		}
	}
	if tie {
		return ""
	}
	return best
}
