package spotify

import "strings"

// genreKeywords maps a stored genre to search keywords; the first three are used.
var genreKeywords = map[string][]string{
	"pop":        {"pop", "pop music", "popular"},
	"rock":       {"rock", "rock music", "alternative rock"},
	"hiphop":     {"hip hop", "rap", "hip-hop", "rapper"},
	"electronic": {"electronic", "edm", "dance", "techno", "house"},
	"jazz":       {"jazz", "jazz music", "smooth jazz"},
	"classical":  {"classical", "orchestra", "symphony"},
	"metal":      {"metal", "heavy metal", "metalcore"},
	"country":    {"country", "country music", "nashville"},
	"rnb":        {"r&b", "rnb", "soul", "rhythm and blues"},
	"reggae":     {"reggae", "ska", "dancehall"},
	"latin":      {"latin", "reggaeton", "salsa", "bachata"},
	"kpop":       {"kpop", "korean pop", "k-pop", "korean music"},
	"indie":      {"indie", "independent", "indie rock", "indie pop"},
	"blues":      {"blues", "blues music", "rhythm and blues"},
	"folk":       {"folk", "folk music", "acoustic"},
	"persian":    {"persian music", "iranian music", "farsi", "persian pop"},
	"arabic":     {"arabic music", "arab", "middle eastern"},
	"turkish":    {"turkish music", "turkish pop", "türkçe"},
}

// popularPlaylists are searched by name when keyword search comes up short.
var popularPlaylists = map[string][]string{
	"pop":        {"Today's Top Hits", "Pop Rising", "Pop Mix"},
	"rock":       {"Rock Classics", "Rock Mix", "Alternative Rock"},
	"hiphop":     {"RapCaviar", "Hip Hop Mix", "Most Necessary"},
	"electronic": {"mint", "Dance Rising", "Electronic Mix"},
	"kpop":       {"K-Pop ON!", "K-Pop Daebak", "K-Pop Rising"},
	"persian":    {"Persian Pop", "Iranian Music", "Farsi Hits"},
	"arabic":     {"Arabic Pop", "Top Arabic", "Arabic Hits"},
	"turkish":    {"Turkish Pop", "Türkçe Pop", "Turkish Hits"},
}

// Keywords returns up to n search keywords for genre. Unknown genres search for themselves.
func Keywords(genre string, n int) []string {
	genre = strings.ToLower(strings.TrimSpace(genre))
	kw, ok := genreKeywords[genre]
	if !ok {
		kw = []string{genre}
	}
	if n > 0 && len(kw) > n {
		kw = kw[:n]
	}
	return kw
}

// Genres lists the genres with curated keywords.
func Genres() []string {
	out := make([]string, 0, len(genreKeywords))
	for g := range genreKeywords {
		out = append(out, g)
	}
	return out
}
