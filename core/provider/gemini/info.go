package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/you-humble/animalexplorer/core/provider"
)

const (
	providerName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 30 * time.Second
)

const systemPrompt = `Eres un experto en zoología. Cuando te den un nombre, decide si es un animal real
y responde EXACTAMENTE en este formato, sin texto adicional.

Si es un animal real:
**Válido:** SI
**Nombre:** [Nombre del animal en español]
**Nombre_en:** [Nombre común en inglés]
**Clase:** [Vertebrado o Invertebrado]
**Grupo:** [Mamífero/Ave/Reptil/Anfibio/Pez/Insecto/etc.]
**Cubierta:** [Piel desnuda/Pelo/Plumas/Escamas/Caparazón/etc.]
**Dato:** [Un dato interesante sobre el animal]
**Dato2:** [Otro dato interesante sobre el animal]

Si no es un animal real:
**Válido:** NO
**Razón:** [Motivo breve]
**Sugerencias:** [Hasta tres animales reales parecidos, separados por comas]`

type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type infoClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type request struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	CandidateCount  int     `json:"candidateCount,omitempty"`
}

type response struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

func NewInfoClient(opts Options) (*infoClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &infoClient{
		apiKey:  opts.APIKey,
		model:   model,
		baseURL: baseURL,
		client:  client,
	}, nil
}

func (c *infoClient) FetchInfo(ctx context.Context, query string) (string, error) {
	payload := request{
		SystemInstruction: &content{Parts: []part{{Text: systemPrompt}}},
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: "Información sobre: " + query}},
		}},
		GenerationConfig: &generationConfig{
			Temperature:     0.3,
			MaxOutputTokens: 400,
			CandidateCount:  1,
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", provider.Classify(providerName, fmt.Errorf("encode request: %w", err))
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", provider.Classify(providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", provider.Classify(providerName, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", provider.Classify(providerName, err)
	}
	if resp.StatusCode >= 300 {
		return "", provider.FromStatus(providerName, resp.StatusCode, string(body))
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &provider.Error{
			Provider: providerName,
			Category: provider.CategoryBadResponse,
			Details:  "decode response: " + err.Error(),
			Err:      err,
		}
	}

	text := extractText(out)
	if text == "" {
		return "", &provider.Error{
			Provider: providerName,
			Category: provider.CategoryBadResponse,
			Details:  "empty completion",
		}
	}
	return text, nil
}

func extractText(resp response) string {
	for _, cand := range resp.Candidates {
		var sb strings.Builder
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		if s := strings.TrimSpace(sb.String()); s != "" {
			return s
		}
	}
	return ""
}
