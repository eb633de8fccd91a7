package llm

import (
	"context"

	"github.com/Morwran/yagpt"
	"github.com/pkg/errors"
)

// YandexClient talks to YandexGPT, which has no streaming completion in the
// yagpt SDK; the whole answer is delivered as one fragment.
type YandexClient struct {
	ya           yagpt.YaGPTFace
	iamToken     string
	systemPrompt string
}

func NewYandex(oauthToken, folderID, systemPrompt string) (*YandexClient, error) {
	// Create IAM token from OAuth token
	iam, err := yagpt.NewYaIam(oauthToken)
	if err != nil {
		return nil, errors.Wrap(err, "init yandex iam")
	}
	resp, err := iam.Create()
	if err != nil {
		return nil, errors.Wrap(err, "create iam token")
	}

	ya, err := yagpt.NewYagpt(folderID)
	if err != nil {
		return nil, errors.Wrap(err, "init yagpt")
	}

	return &YandexClient{
		ya:           ya,
		iamToken:     resp.IamToken,
		systemPrompt: systemPrompt,
	}, nil
}

func (c *YandexClient) Stream(ctx context.Context, req Request) (Stream, error) {
	msgs := req.Messages(c.systemPrompt)
	yaMsgs := make([]yagpt.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			yaMsgs = append(yaMsgs, yagpt.Message{Role: RoleSystem, Content: m.Content})
		case RoleAssistant:
			yaMsgs = append(yaMsgs, yagpt.Message{Role: RoleAssistant, Content: m.Content})
		default:
			yaMsgs = append(yaMsgs, yagpt.Message{Role: RoleUser, Content: m.Content})
		}
	}

	resp, err := c.ya.CompletionWithCtx(ctx, c.iamToken, yaMsgs)
	if err != nil {
		return nil, errors.Wrap(err, "yagpt completion failed")
	}
	if resp == nil || len(resp.Alternatives) == 0 {
		return nil, errors.New("yagpt returned empty response")
	}
	return NewSliceStream(resp.Alternatives[0].Message.Content), nil
}
