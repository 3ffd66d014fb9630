package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table for chat messages.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// chatPK returns the DynamoDB partition key for a chat.
func chatPK(chatID string) string {
	return "CHAT#" + chatID
}

// msgSK returns the sort key for a message. Message ids are time-ordered, so
// sort keys are chronological within a chat.
func msgSK(messageID string) string {
	return skPrefixMsg + messageID
}

// ttlValue returns a Unix timestamp 30 days after now.
func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// GetChatMeta returns the aggregate chat record. A missing record yields a
// zero-turn meta for the chat.
func (c *Client) GetChatMeta(ctx context.Context, chatID string) (domain.ChatMeta, error) {
	if strings.TrimSpace(chatID) == "" {
		return domain.ChatMeta{}, errors.New("repository: GetChatMeta: chat id is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: chatPK(chatID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ChatMeta{}, fmt.Errorf("repository: GetChatMeta get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ChatMeta{ChatID: chatID}, nil
	}

	meta, err := itemToMeta(out.Item)
	if err != nil {
		return domain.ChatMeta{}, fmt.Errorf("repository: GetChatMeta decode: %w", err)
	}
	meta.ChatID = chatID
	return meta, nil
}

// GetTurnCount returns the number of completed assistant turns for a chat.
func (c *Client) GetTurnCount(ctx context.Context, chatID string) (int, error) {
	meta, err := c.GetChatMeta(ctx, chatID)
	if err != nil {
		return 0, err
	}
	return meta.Turns, nil
}

// CreateMessage persists a new message record. It never overwrites.
func (c *Client) CreateMessage(ctx context.Context, msg domain.Message) error {
	if msg.ChatID == "" || msg.MessageID == "" {
		return errors.New("repository: CreateMessage: chat id and message id are required")
	}
	if msg.TTL == 0 {
		msg.TTL = c.ttlValue()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateMessage: %w", err)
	}
	return nil
}

// CompleteMessage commits the streamed content of a message and bumps the chat
// turn counter in one transaction. The message must still be streaming.
func (c *Client) CompleteMessage(ctx context.Context, msg domain.Message) error {
	if msg.ChatID == "" || msg.MessageID == "" {
		return errors.New("repository: CompleteMessage: chat id and message id are required")
	}

	now := c.now().UTC()
	ttl := strconv.FormatInt(now.Add(ttlDuration).Unix(), 10)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: chatPK(msg.ChatID)},
						"SK": &types.AttributeValueMemberS{Value: msgSK(msg.MessageID)},
					},
					UpdateExpression:    aws.String("SET #content = :content, #tokens = :tokens, #status = :complete"),
					ConditionExpression: aws.String("#status = :streaming"),
					ExpressionAttributeNames: map[string]string{
						"#content": "content",
						"#tokens":  "tokens",
						"#status":  "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":content":   &types.AttributeValueMemberS{Value: msg.Content},
						":tokens":    &types.AttributeValueMemberN{Value: strconv.Itoa(msg.Tokens)},
						":complete":  &types.AttributeValueMemberS{Value: domain.StatusComplete},
						":streaming": &types.AttributeValueMemberS{Value: domain.StatusStreaming},
					},
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: chatPK(msg.ChatID)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("SET #chatId = :chatId, #userId = :userId, #lastActivity = :lastActivity, #ttl = :ttl ADD #turns :one"),
					ExpressionAttributeNames: map[string]string{
						"#chatId":       "chatId",
						"#userId":       "userId",
						"#lastActivity": "lastActivity",
						"#ttl":          "ttl",
						"#turns":        "turns",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":chatId":       &types.AttributeValueMemberS{Value: msg.ChatID},
						":userId":       &types.AttributeValueMemberS{Value: msg.UserID},
						":lastActivity": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
						":ttl":          &types.AttributeValueMemberN{Value: ttl},
						":one":          &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: CompleteMessage: %w", err)
	}
	return nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: chatPK(msg.ChatID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(msg.MessageID)},
		"chatId":    &types.AttributeValueMemberS{Value: msg.ChatID},
		"messageId": &types.AttributeValueMemberS{Value: msg.MessageID},
		"userId":    &types.AttributeValueMemberS{Value: msg.UserID},
		"author":    &types.AttributeValueMemberS{Value: msg.Author},
		"content":   &types.AttributeValueMemberS{Value: msg.Content},
		"tokens":    &types.AttributeValueMemberN{Value: strconv.Itoa(msg.Tokens)},
		"status":    &types.AttributeValueMemberS{Value: msg.Status},
		"createdAt": &types.AttributeValueMemberS{Value: msg.CreatedAt},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.TTL, 10)},
	}
}

// itemToMeta converts a DynamoDB attribute map to a ChatMeta.
func itemToMeta(item map[string]types.AttributeValue) (domain.ChatMeta, error) {
	turns, err := intAttr(item, "turns")
	if err != nil {
		return domain.ChatMeta{}, err
	}
	userID, _ := strAttr(item, "userId")             // allow empty
	lastActivity, _ := strAttr(item, "lastActivity") // allow empty

	return domain.ChatMeta{
		UserID:       userID,
		LastActivity: lastActivity,
		Turns:        turns,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
