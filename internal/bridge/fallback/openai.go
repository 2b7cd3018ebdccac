package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	// maxHistoryMessages bounds per-call memory on long calls.
	maxHistoryMessages = 20
	maxAnswerTokens    = 150
	answerTemperature  = 0.7
)

// OpenAIAnswerer generates turn-based replies with the chat completions
// API, keeping a bounded conversation history per call.
type OpenAIAnswerer struct {
	client       openai.Client
	model        string
	instructions string

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessageParamUnion
}

func NewOpenAIAnswerer(apiKey, model, instructions string) *OpenAIAnswerer {
	return &OpenAIAnswerer{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		model:        model,
		instructions: instructions,
		history:      make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

// Answer produces one reply and records the exchange in the call's
// history.
func (a *OpenAIAnswerer) Answer(ctx context.Context, callSID, utterance string) (string, error) {
	a.mu.Lock()
	past := a.history[callSID]
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(past)+2)
	messages = append(messages, openai.SystemMessage(a.instructions))
	messages = append(messages, past...)
	messages = append(messages, openai.UserMessage(utterance))
	a.mu.Unlock()

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(a.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxAnswerTokens),
		Temperature:         openai.Float(answerTemperature),
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	text := resp.Choices[0].Message.Content

	a.mu.Lock()
	turns := append(a.history[callSID],
		openai.UserMessage(utterance),
		openai.AssistantMessage(text),
	)
	if len(turns) > maxHistoryMessages {
		turns = turns[len(turns)-maxHistoryMessages:]
	}
	a.history[callSID] = turns
	a.mu.Unlock()

	return text, nil
}

// Reset drops the call's conversation history.
func (a *OpenAIAnswerer) Reset(callSID string) {
	a.mu.Lock()
	delete(a.history, callSID)
	a.mu.Unlock()
}
