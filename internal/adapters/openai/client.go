package openai

import (
    "context"
    "encoding/json"
    "errors"
    "strings"

    openai "github.com/openai/openai-go/v2"
    "github.com/openai/openai-go/v2/option"
    "github.com/openai/openai-go/v2/shared"
    "github.com/rs/zerolog"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
    "github.com/HamedShams/ready-pulse/internal/services"
)

type Client struct {
    key   string
    model string
    cli   openai.Client
    log   zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    model := cfg.OpenAIModel
    if strings.TrimSpace(model) == "" { model = "gpt-4.1-mini" }
    cli := openai.NewClient(option.WithAPIKey(cfg.OpenAIKey))
    return &Client{ key: cfg.OpenAIKey, model: model, cli: cli, log: log }
}

const systemPrompt = "You are an agile coach preparing a backlog refinement session. " +
    "Given an issue summary, its description, and a list of readiness gaps, write one short, " +
    "specific question per gap that the assignee can answer in a sentence or two. " +
    "Return JSON only: {\"questions\":[{\"rule\":\"<gap rule name>\",\"question\":\"...\"}]}. " +
    "Keep the rule names exactly as given."

// GenerateQuestions asks the model for one clarifying question per readiness
// gap. Callers treat any error or empty result as a signal to fall back to
// canned questions.
func (c *Client) GenerateQuestions(ctx context.Context, summary, description string, missing []domain.MissingItem) ([]services.GeneratedQuestion, error) {
    if strings.TrimSpace(c.key) == "" { return nil, errors.New("openai: missing key") }
    payload := map[string]any{ "summary": summary, "description": description, "gaps": missing }
    userContent := ""
    if b, err := json.Marshal(payload); err == nil { userContent = string(b) }
    c.log.Info().Str("model", c.model).Int("gaps", len(missing)).Msg("openai GenerateQuestions call")
    params := openai.ChatCompletionNewParams{
        Model: shared.ChatModel(c.model),
        Messages: []openai.ChatCompletionMessageParamUnion{
            openai.SystemMessage(systemPrompt),
            openai.UserMessage(userContent),
        },
    }
    resp, err := c.cli.Chat.Completions.New(ctx, params)
    if err != nil { return nil, err }
    if len(resp.Choices) == 0 { return nil, errors.New("openai: no choices") }
    var out struct {
        Questions []services.GeneratedQuestion `json:"questions"`
    }
    content := strings.TrimSpace(resp.Choices[0].Message.Content)
    content = strings.TrimPrefix(content, "```json")
    content = strings.TrimPrefix(content, "```")
    content = strings.TrimSuffix(content, "```")
    if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil { return nil, err }
    return out.Questions, nil
}
