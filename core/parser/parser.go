// Package parser turns the information provider's "**Key:** value" text into
// typed fields. Keys are matched without regard to case or accents.
package parser

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var ErrUnparseable = errors.New("unparseable provider response")

const defaultReason = "not a recognized animal"

type Result struct {
	Valid         bool
	Name          string
	SecondaryName string
	Reason        string
	Suggestions   []string
	// Fields keeps every key seen, folded, for callers that want more.
	Fields map[string]string
}

var (
	validKeys      = []string{"valido", "valid", "es_animal", "is_animal"}
	nameKeys       = []string{"nombre", "name"}
	secondaryKeys  = []string{"nombre_en", "nombre_en_ingles", "nombre_ingles", "english", "english_name", "en"}
	reasonKeys     = []string{"razon", "reason", "motivo"}
	suggestionKeys = []string{"sugerencias", "suggestions", "sugerencia"}
)

// Parse reads a provider response for query. A response without a usable
// validity marker yields ErrUnparseable.
func Parse(text, query string) (Result, error) {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := splitLine(line)
		if !ok {
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = value
		}
	}

	rawValid, ok := lookup(fields, validKeys)
	if !ok {
		return Result{}, ErrUnparseable
	}
	valid, ok := parseValidity(rawValid)
	if !ok {
		return Result{}, ErrUnparseable
	}

	res := Result{Valid: valid, Fields: fields}
	res.Name, _ = lookup(fields, nameKeys)
	res.SecondaryName, _ = lookup(fields, secondaryKeys)
	res.Name = cleanName(res.Name)
	res.SecondaryName = cleanName(res.SecondaryName)

	if res.Name == "" {
		res.Name = strings.TrimSpace(query)
	}
	if res.SecondaryName == "" {
		res.SecondaryName = res.Name
	}

	if !valid {
		res.Reason, _ = lookup(fields, reasonKeys)
		if res.Reason == "" {
			res.Reason = defaultReason
		}
		if raw, ok := lookup(fields, suggestionKeys); ok {
			res.Suggestions = splitList(raw)
		}
	}

	return res, nil
}

func splitLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-•* ")
	line = strings.ReplaceAll(line, "**", "")
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	key = foldKey(key)
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

func lookup(fields map[string]string, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return "", false
}

func parseValidity(raw string) (bool, bool) {
	v := strings.Trim(fold(raw), " .!¡[]")
	word, _, _ := strings.Cut(v, " ")
	word = strings.Trim(word, ",;.")
	switch word {
	case "si", "yes", "true", "valido", "valid":
		return true, true
	case "no", "false", "invalido", "invalid":
		return false, true
	}
	return false, false
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "[]\"'")
	s = strings.TrimRight(s, ".")
	return strings.TrimSpace(s)
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = cleanName(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func foldKey(s string) string {
	s = fold(s)
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
	return s
}

// fold lowercases and strips diacritics: "Válido" -> "valido".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
