package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"avatar-agent/internal/domain"
)

// CreateSession writes a new session record. It fails with domain.ErrConflict
// if the id is already taken.
func (c *Client) CreateSession(ctx context.Context, s domain.AvatarSession) error {
	if s.SessionID == "" {
		return errors.New("repository: CreateSession: session id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                sessionItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", mapWriteErr(err))
	}
	return nil
}

// GetSession loads a session by id. A missing session yields domain.ErrNotFound.
func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.AvatarSession, error) {
	item, err := c.getItem(ctx, sessionPK(sessionID), skMeta)
	if err != nil {
		return domain.AvatarSession{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	s, err := itemToSession(item)
	if err != nil {
		return domain.AvatarSession{}, fmt.Errorf("repository: GetSession unmarshal: %w", err)
	}
	return s, nil
}

// UpdateSession applies patch only if the stored status still equals
// expected. A lost race surfaces as domain.ErrConflict.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, expected domain.SessionStatus, patch domain.SessionPatch) error {
	sets := make([]string, 0, 8)
	names := map[string]string{"#status": "sessionStatus"}
	values := map[string]types.AttributeValue{":expected": strValue(string(expected))}

	add := func(attr string, v types.AttributeValue) {
		ph := fmt.Sprintf("#f%d", len(sets))
		vp := fmt.Sprintf(":v%d", len(sets))
		names[ph] = attr
		values[vp] = v
		sets = append(sets, ph+" = "+vp)
	}
	if patch.Status != nil {
		add("sessionStatus", strValue(string(*patch.Status)))
	}
	if patch.EndTime != nil {
		add("endTime", timeValue(*patch.EndTime))
	}
	if patch.DurationSeconds != nil {
		add("durationSeconds", intValue(*patch.DurationSeconds))
	}
	if patch.SessionCompleted != nil {
		add("sessionCompleted", &types.AttributeValueMemberBOOL{Value: *patch.SessionCompleted})
	}
	if patch.EndReason != nil {
		add("endReason", strValue(*patch.EndReason))
	}
	if patch.UserSatisfactionScore != nil {
		add("userSatisfactionScore", floatValue(*patch.UserSatisfactionScore))
	}
	if patch.SessionRating != nil {
		add("sessionRating", strValue(string(*patch.SessionRating)))
	}
	if patch.UserFeedback != nil {
		add("userFeedback", strValue(*patch.UserFeedback))
	}
	if patch.LastActivityTime != nil {
		add("lastActivityTime", timeValue(*patch.LastActivityTime))
	}
	if len(sets) == 0 {
		return nil
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       itemKey(sessionPK(sessionID), skMeta),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #status = :expected"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateSession: %w", mapWriteErr(err))
	}
	return nil
}

// ListIdleSessions returns open sessions whose last activity is before cutoff.
func (c *Client) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.AvatarSession, error) {
	items, err := c.scanAll(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("begins_with(PK, :prefix) AND SK = :meta AND #status IN (:active, :paused) AND lastActivityTime < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#status": "sessionStatus",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": strValue(pkSessionPrefix),
			":meta":   strValue(skMeta),
			":active": strValue(string(domain.SessionActive)),
			":paused": strValue(string(domain.SessionPaused)),
			":cutoff": timeValue(cutoff),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListIdleSessions scan: %w", err)
	}
	out := make([]domain.AvatarSession, 0, len(items))
	for _, item := range items {
		s, err := itemToSession(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListIdleSessions unmarshal: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func sessionItem(s domain.AvatarSession) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                  strValue(sessionPK(s.SessionID)),
		"SK":                  strValue(skMeta),
		"sessionId":           strValue(s.SessionID),
		"avatarId":            strValue(s.AvatarID),
		"userId":              strValue(s.UserID),
		"startTime":           timeValue(s.StartTime),
		"lastActivityTime":    timeValue(s.LastActivityTime),
		"sessionType":         strValue(string(s.SessionType)),
		"campusZone":          strValue(s.CampusZone),
		"culturalTheme":       strValue(s.CulturalTheme),
		"deviceType":          strValue(s.DeviceType),
		"totalMessages":       intValue(s.TotalMessages),
		"userQuestions":       intValue(s.UserQuestions),
		"avatarResponses":     intValue(s.AvatarResponses),
		"storiesTold":         intValue(s.StoriesTold),
		"recommendationsMade": intValue(s.RecommendationsMade),
		"lastCountedOrder":    intValue(int64(s.LastCountedOrder)),
		"sessionRating":       strValue(string(s.SessionRating)),
		"userFeedback":        strValue(s.UserFeedback),
		"sessionCompleted":    &types.AttributeValueMemberBOOL{Value: s.SessionCompleted},
		"sessionStatus":       strValue(string(s.SessionStatus)),
		"endReason":           strValue(s.EndReason),
	}
	if s.EndTime != nil {
		item["endTime"] = timeValue(*s.EndTime)
	}
	if s.DurationSeconds != nil {
		item["durationSeconds"] = intValue(*s.DurationSeconds)
	}
	if s.UserSatisfactionScore != nil {
		item["userSatisfactionScore"] = floatValue(*s.UserSatisfactionScore)
	}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.AvatarSession, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.AvatarSession{}, err
	}
	status, err := strAttr(item, "sessionStatus")
	if err != nil {
		return domain.AvatarSession{}, err
	}
	start, err := timeAttr(item, "startTime")
	if err != nil {
		return domain.AvatarSession{}, err
	}
	lastActivity, err := timeAttr(item, "lastActivityTime")
	if err != nil {
		return domain.AvatarSession{}, err
	}
	end, err := optTimeAttr(item, "endTime")
	if err != nil {
		return domain.AvatarSession{}, err
	}

	s := domain.AvatarSession{
		SessionID:        id,
		AvatarID:         optStrAttr(item, "avatarId"),
		UserID:           optStrAttr(item, "userId"),
		StartTime:        start,
		EndTime:          end,
		LastActivityTime: lastActivity,
		SessionType:      domain.SessionType(optStrAttr(item, "sessionType")),
		CampusZone:       optStrAttr(item, "campusZone"),
		CulturalTheme:    optStrAttr(item, "culturalTheme"),
		DeviceType:       optStrAttr(item, "deviceType"),
		SessionRating:    domain.SessionRating(optStrAttr(item, "sessionRating")),
		UserFeedback:     optStrAttr(item, "userFeedback"),
		SessionCompleted: boolAttr(item, "sessionCompleted"),
		SessionStatus:    domain.SessionStatus(status),
		EndReason:        optStrAttr(item, "endReason"),
	}

	counters := []struct {
		name string
		dst  *int64
	}{
		{domain.FieldTotalMessages, &s.TotalMessages},
		{domain.FieldUserQuestions, &s.UserQuestions},
		{domain.FieldAvatarResponses, &s.AvatarResponses},
		{domain.FieldStoriesTold, &s.StoriesTold},
		{domain.FieldRecommendationsMade, &s.RecommendationsMade},
	}
	for _, ctr := range counters {
		n, err := optIntAttr(item, ctr.name)
		if err != nil {
			return domain.AvatarSession{}, err
		}
		*ctr.dst = n
	}
	counted, err := optIntAttr(item, domain.FieldLastCountedOrder)
	if err != nil {
		return domain.AvatarSession{}, err
	}
	s.LastCountedOrder = int(counted)

	if _, ok := item["durationSeconds"]; ok {
		d, err := intAttr(item, "durationSeconds")
		if err != nil {
			return domain.AvatarSession{}, err
		}
		s.DurationSeconds = &d
	}
	score, ok, err := floatAttr(item, "userSatisfactionScore")
	if err != nil {
		return domain.AvatarSession{}, err
	}
	if ok {
		s.UserSatisfactionScore = &score
	}
	return s, nil
}
