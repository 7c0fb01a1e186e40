package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"avatar-agent/internal/domain"
)

// statusAttr names the status attribute of each counter document kind.
func statusAttr(kind domain.CounterKind) string {
	switch kind {
	case domain.CounterSession:
		return "sessionStatus"
	case domain.CounterKnowledge:
		return "status"
	}
	return ""
}

// Increment applies every delta with DynamoDB ADD, so concurrent writers
// never lose updates. Condition failures surface as domain.ErrConflict.
func (c *Client) Increment(ctx context.Context, u domain.CounterUpdate) error {
	if len(u.Deltas) == 0 {
		return errors.New("repository: Increment: no deltas")
	}
	key, err := counterItemKey(u.Key)
	if err != nil {
		return err
	}

	names := map[string]string{}
	values := map[string]types.AttributeValue{}

	fields := make([]string, 0, len(u.Deltas))
	for f := range u.Deltas {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	adds := make([]string, 0, len(fields))
	for i, f := range fields {
		names[fmt.Sprintf("#a%d", i)] = f
		values[fmt.Sprintf(":a%d", i)] = floatValue(u.Deltas[f])
		adds = append(adds, fmt.Sprintf("#a%d :a%d", i, i))
	}
	expr := "ADD " + strings.Join(adds, ", ")

	if len(u.Touch) > 0 {
		touched := make([]string, 0, len(u.Touch))
		for f := range u.Touch {
			touched = append(touched, f)
		}
		sort.Strings(touched)
		sets := make([]string, 0, len(touched))
		for i, f := range touched {
			names[fmt.Sprintf("#t%d", i)] = f
			values[fmt.Sprintf(":t%d", i)] = timeValue(u.Touch[f])
			sets = append(sets, fmt.Sprintf("#t%d = :t%d", i, i))
		}
		expr += " SET " + strings.Join(sets, ", ")
	}
	if u.Advance != nil {
		names["#m"] = u.Advance.Field
		values[":m"] = intValue(u.Advance.Value)
		if len(u.Touch) > 0 {
			expr += ", #m = :m"
		} else {
			expr += " SET #m = :m"
		}
	}

	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key,
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}

	var conds []string
	if u.MustExist {
		conds = append(conds, "attribute_exists(PK)")
	}
	if len(u.StatusIn) > 0 {
		attr := statusAttr(u.Key.Kind)
		if attr == "" {
			return fmt.Errorf("repository: Increment: %q documents carry no status", u.Key.Kind)
		}
		names["#status"] = attr
		phs := make([]string, 0, len(u.StatusIn))
		for i, s := range u.StatusIn {
			ph := fmt.Sprintf(":s%d", i)
			values[ph] = strValue(s)
			phs = append(phs, ph)
		}
		conds = append(conds, "#status IN ("+strings.Join(phs, ", ")+")")
	}
	if u.Advance != nil {
		conds = append(conds, "(attribute_not_exists(#m) OR #m < :m)")
	}
	if len(conds) > 0 {
		in.ConditionExpression = aws.String(strings.Join(conds, " AND "))
	}

	if _, err := c.api.UpdateItem(ctx, in); err != nil {
		return fmt.Errorf("repository: Increment %s#%s: %w", u.Key.Kind, u.Key.ID, mapWriteErr(err))
	}
	return nil
}

// GetAvatarStats reads the rating aggregate of an avatar. An avatar that has
// never been rated yields zero stats.
func (c *Client) GetAvatarStats(ctx context.Context, avatarID string) (domain.AvatarStats, error) {
	item, err := c.getItem(ctx, avatarPK(avatarID), skStats)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AvatarStats{AvatarID: avatarID}, nil
	}
	if err != nil {
		return domain.AvatarStats{}, fmt.Errorf("repository: GetAvatarStats: %w", err)
	}
	sum, _, err := floatAttr(item, domain.FieldAvatarRatingSum)
	if err != nil {
		return domain.AvatarStats{}, fmt.Errorf("repository: GetAvatarStats decode: %w", err)
	}
	count, err := optIntAttr(item, domain.FieldAvatarRatingCount)
	if err != nil {
		return domain.AvatarStats{}, fmt.Errorf("repository: GetAvatarStats decode: %w", err)
	}
	return domain.AvatarStats{AvatarID: avatarID, RatingSum: sum, RatingCount: count}, nil
}
