package llm

import (
	"context"
	"errors"
	"fmt"

	"behaviorbench/internal/apperrors"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
)

const providerAzure = "azure"

// AzureConfig identifies an Azure OpenAI deployment.
type AzureConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"-"`
	Deployment  string  `yaml:"deployment"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int32   `yaml:"max_tokens"`
}

// AzureClient sends prompts to an Azure OpenAI deployment.
type AzureClient struct {
	client      *azopenai.Client
	deployment  string
	temperature float32
	maxTokens   int32
}

// NewAzureClient creates an Azure OpenAI client authenticated with a key.
func NewAzureClient(cfg AzureConfig) (*AzureClient, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" || cfg.Deployment == "" {
		return nil, apperrors.Invalid("llm.azure", "endpoint, api key and deployment are required")
	}

	client, err := azopenai.NewClientWithKeyCredential(cfg.Endpoint, azcore.NewKeyCredential(cfg.APIKey), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure OpenAI client: %w", err)
	}

	c := &AzureClient{
		client:      client,
		deployment:  cfg.Deployment,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
	if c.temperature == 0 {
		c.temperature = 0.7
	}
	if c.maxTokens == 0 {
		c.maxTokens = 512
	}
	return c, nil
}

func (c *AzureClient) Send(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.GetChatCompletions(ctx, azopenai.ChatCompletionsOptions{
		Messages:       azureMessages(system, prompt),
		MaxTokens:      to.Ptr(c.maxTokens),
		Temperature:    to.Ptr(c.temperature),
		DeploymentName: to.Ptr(c.deployment),
	}, nil)
	if err != nil {
		return "", Classify(providerAzure, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return "", &apperrors.UpstreamError{Provider: providerAzure, Err: errors.New("empty response from Azure OpenAI")}
	}
	return *resp.Choices[0].Message.Content, nil
}

// azureMessages builds the chat history for one exchange. The system message
// is omitted when empty.
func azureMessages(system, prompt string) []azopenai.ChatRequestMessageClassification {
	var msgs []azopenai.ChatRequestMessageClassification
	if system != "" {
		msgs = append(msgs, &azopenai.ChatRequestSystemMessage{Content: azopenai.NewChatRequestSystemMessageContent(system)})
	}
	return append(msgs, &azopenai.ChatRequestUserMessage{Content: azopenai.NewChatRequestUserMessageContent(prompt)})
}
