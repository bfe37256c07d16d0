package claude

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// sdkMessenger implements messenger using the official anthropic-sdk-go.
type sdkMessenger struct {
	client sdk.Client
}

func newSDKMessenger(apiKey, baseURL string) *sdkMessenger {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &sdkMessenger{client: sdk.NewClient(opts...)}
}

func (m *sdkMessenger) send(ctx context.Context, req messageRequest) (*messageResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewImageBlockBase64(req.ImageMediaType, req.ImageBase64),
				sdk.NewTextBlock(req.Prompt),
			),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "claude: create message")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}

	return &messageResponse{
		Text:         text.String(),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}
