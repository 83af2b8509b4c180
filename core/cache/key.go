package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	infoPrefix        = "cache:animal_info:"
	imagePrefix       = "cache:animal_image:"
	suggestionsPrefix = "cache:suggestions:"
	popularPrefix     = "cache:popular_animals:"
	searchesKey       = "cache:analytics:searches"
	dailyPrefix       = "cache:analytics:daily:"
)

// Normalize folds a query so "León ", "león" and "LEÓN" share one entry.
func Normalize(query string) string {
	q := norm.NFC.String(query)
	q = cases.Lower(language.Und).String(q)
	return strings.Join(strings.Fields(q), " ")
}

// Hash is the fixed-width identifier of a normalized query.
func Hash(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}

func infoKey(query string) string { return infoPrefix + Hash(query) }

func imageKey(query string) string { return imagePrefix + Hash(query) }

func rejectionKey(query string) string { return suggestionsPrefix + Hash(query) }
