package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"avatar-agent/internal/domain"
)

// AppendTurn persists a turn keyed by its messageOrder. Re-submitting an
// order that is already stored fails with domain.ErrConflict, which makes the
// order the dedup key for retried turns.
func (c *Client) AppendTurn(ctx context.Context, t domain.ConversationTurn) error {
	if t.SessionID == "" || t.MessageOrder <= 0 {
		return errors.New("repository: AppendTurn: session id and positive message order are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(t, c.now().Add(turnTTL).Unix()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", mapWriteErr(err))
	}
	return nil
}

// ListTurns returns up to limit turns in messageOrder (limit <= 0 means all).
func (c *Client) ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strValue(sessionPK(sessionID)),
			":prefix": strValue(skTurnPrefix),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	items, err := c.queryAll(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}
	turns := make([]domain.ConversationTurn, 0, len(items))
	for _, item := range items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// LastTurn returns the highest-ordered turn of a session, or
// domain.ErrNotFound when the session has none.
func (c *Client) LastTurn(ctx context.Context, sessionID string) (domain.ConversationTurn, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strValue(sessionPK(sessionID)),
			":prefix": strValue(skTurnPrefix),
		},
		// Newest first so a limit of one yields the last turn.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: LastTurn query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.ConversationTurn{}, fmt.Errorf("repository: LastTurn: %w", domain.ErrNotFound)
	}
	t, err := itemToTurn(out.Items[0])
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: LastTurn unmarshal: %w", err)
	}
	return t, nil
}

// GetTurn returns the turn stored at order, or domain.ErrNotFound.
func (c *Client) GetTurn(ctx context.Context, sessionID string, order int) (domain.ConversationTurn, error) {
	item, err := c.getItem(ctx, sessionPK(sessionID), turnSK(order))
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: GetTurn: %w", err)
	}
	t, err := itemToTurn(item)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: GetTurn unmarshal: %w", err)
	}
	return t, nil
}

func turnItem(t domain.ConversationTurn, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            strValue(sessionPK(t.SessionID)),
		"SK":            strValue(turnSK(t.MessageOrder)),
		"turnId":        strValue(t.TurnID),
		"sessionId":     strValue(t.SessionID),
		"avatarId":      strValue(t.AvatarID),
		"userId":        strValue(t.UserID),
		"messageType":   strValue(string(t.MessageType)),
		"messageOrder":  intValue(int64(t.MessageOrder)),
		"content":       strValue(t.Content),
		"timestamp":     timeValue(t.Timestamp),
		"responseType":  strValue(string(t.ResponseType)),
		"culturalTopic": strValue(t.CulturalTopic),
		"knowledgeIds":  listValue(t.KnowledgeIDs),
		"ttl":           intValue(ttl),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	order, err := intAttr(item, "messageOrder")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	return domain.ConversationTurn{
		TurnID:        optStrAttr(item, "turnId"),
		SessionID:     sessionID,
		AvatarID:      optStrAttr(item, "avatarId"),
		UserID:        optStrAttr(item, "userId"),
		MessageType:   domain.MessageType(optStrAttr(item, "messageType")),
		MessageOrder:  int(order),
		Content:       content,
		Timestamp:     ts,
		ResponseType:  domain.ResponseType(optStrAttr(item, "responseType")),
		CulturalTopic: optStrAttr(item, "culturalTopic"),
		KnowledgeIDs:  listAttr(item, "knowledgeIds"),
	}, nil
}
