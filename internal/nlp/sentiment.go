// Package nlp provides the sentiment signal used to pick the empathy prompt
// variant. The classifier is an external collaborator; answers must degrade
// gracefully when it is unreachable, so implementations return "neutral"
// rather than failing the turn for transient errors only the caller can log.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sentiment labels as returned by the classifier.
const (
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentPositive = "positive"
)

// Classifier returns a sentiment label for a text.
type Classifier interface {
	Sentiment(ctx context.Context, text string) (string, error)
}

// NeutralClassifier is used when no classifier endpoint is configured; every
// text is neutral, so the standard prompt variant is always selected.
type NeutralClassifier struct{}

// Sentiment implements Classifier.
func (NeutralClassifier) Sentiment(context.Context, string) (string, error) {
	return SentimentNeutral, nil
}

// AzureClassifier calls the Azure Language sentiment endpoint.
type AzureClassifier struct {
	endpoint string
	key      string
	http     *http.Client
}

// NewAzureClassifier builds a classifier for the given resource endpoint
// (e.g. "https://my-resource.cognitiveservices.azure.com") and key.
func NewAzureClassifier(endpoint, key string) *AzureClassifier {
	return &AzureClassifier{
		endpoint: endpoint,
		key:      key,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type azureRequest struct {
	Documents []azureDocument `json:"documents"`
}

type azureDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type azureResponse struct {
	Documents []struct {
		ID        string `json:"id"`
		Sentiment string `json:"sentiment"`
	} `json:"documents"`
	Errors []struct {
		ID string `json:"id"`
	} `json:"errors"`
}

// Sentiment implements Classifier. Documents the service flags as errors fall
// back to neutral, matching the upstream behavior of skipping error entries.
func (a *AzureClassifier) Sentiment(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(azureRequest{Documents: []azureDocument{{ID: "1", Text: text}}})
	if err != nil {
		return "", err
	}

	url := a.endpoint + "/text/analytics/v3.1/sentiment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", a.key)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sentiment: unexpected status %d", resp.StatusCode)
	}

	var parsed azureResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Documents) == 0 {
		return SentimentNeutral, nil
	}
	return parsed.Documents[0].Sentiment, nil
}
