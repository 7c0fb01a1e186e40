package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"avatar-agent/internal/domain"
)

// counterAttrPrefix separates counters from the key attributes of a metric
// item.
const counterAttrPrefix = "c_"

// pkMemberPrefix starts the partitions holding one item per member of a
// metric set. Members live outside the metric item so it stays small.
const pkMemberPrefix = "MSET#"

// IncrementMetric atomically adds deltas to a metric document, creating it on
// first use.
func (c *Client) IncrementMetric(ctx context.Context, key domain.MetricKey, deltas domain.Deltas) error {
	if len(deltas) == 0 {
		return nil
	}
	fields := make([]string, 0, len(deltas))
	for f := range deltas {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	adds := make([]string, 0, len(fields))
	for i, f := range fields {
		names[fmt.Sprintf("#a%d", i)] = counterAttrPrefix + f
		values[fmt.Sprintf(":a%d", i)] = floatValue(deltas[f])
		adds = append(adds, fmt.Sprintf("#a%d :a%d", i, i))
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       itemKey(metricPK(key.Kind), key.TargetID),
		UpdateExpression:          aws.String("ADD " + strings.Join(adds, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: IncrementMetric: %w", err)
	}
	return nil
}

// AddMetricMember records member in set and, only if it is new, adds one to
// the set's counter on the metric item. Both writes share a transaction so a
// retried call never counts a member twice. A non-zero expireAt sets the
// member item's ttl.
func (c *Client) AddMetricMember(ctx context.Context, key domain.MetricKey, set, member string, expireAt time.Time) (bool, error) {
	if set == "" || member == "" {
		return false, errors.New("repository: AddMetricMember: set and member are required")
	}
	item := map[string]types.AttributeValue{
		"PK":     strValue(memberSetPK(key, set)),
		"SK":     strValue(member),
		"member": strValue(member),
	}
	if !expireAt.IsZero() {
		item["ttl"] = intValue(expireAt.Unix())
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Update: &types.Update{
				TableName:                 aws.String(c.tableName),
				Key:                       itemKey(metricPK(key.Kind), key.TargetID),
				UpdateExpression:          aws.String("ADD #n :one"),
				ExpressionAttributeNames:  map[string]string{"#n": counterAttrPrefix + set},
				ExpressionAttributeValues: map[string]types.AttributeValue{":one": intValue(1)},
			}},
		},
	})
	if err == nil {
		return true, nil
	}
	if err = mapWriteErr(err); errors.Is(err, domain.ErrConflict) {
		return false, nil
	}
	return false, fmt.Errorf("repository: AddMetricMember: %w", err)
}

// ListMetricMembers returns the members of a set in lexical order.
func (c *Client) ListMetricMembers(ctx context.Context, key domain.MetricKey, set string) ([]string, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strValue(memberSetPK(key, set)),
		},
		ProjectionExpression: aws.String("SK"),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMetricMembers query: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		m, err := strAttr(item, "SK")
		if err != nil {
			return nil, fmt.Errorf("repository: ListMetricMembers decode: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func memberSetPK(key domain.MetricKey, set string) string {
	return pkMemberPrefix + string(key.Kind) + "#" + key.TargetID + "#" + set
}

// GetMetric reads one metric document. Missing documents read as empty.
func (c *Client) GetMetric(ctx context.Context, key domain.MetricKey) (domain.MetricSnapshot, error) {
	item, err := c.getItem(ctx, metricPK(key.Kind), key.TargetID)
	if errors.Is(err, domain.ErrNotFound) {
		return emptySnapshot(key), nil
	}
	if err != nil {
		return domain.MetricSnapshot{}, fmt.Errorf("repository: GetMetric: %w", err)
	}
	snap, err := itemToSnapshot(key, item)
	if err != nil {
		return domain.MetricSnapshot{}, fmt.Errorf("repository: GetMetric decode: %w", err)
	}
	return snap, nil
}

// ListMetrics returns every metric document of a kind.
func (c *Client) ListMetrics(ctx context.Context, kind domain.MetricKind) ([]domain.MetricSnapshot, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strValue(metricPK(kind)),
		},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMetrics query: %w", err)
	}
	out := make([]domain.MetricSnapshot, 0, len(items))
	for _, item := range items {
		target, err := strAttr(item, "SK")
		if err != nil {
			return nil, fmt.Errorf("repository: ListMetrics decode: %w", err)
		}
		snap, err := itemToSnapshot(domain.MetricKey{Kind: kind, TargetID: target}, item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMetrics decode: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func emptySnapshot(key domain.MetricKey) domain.MetricSnapshot {
	return domain.MetricSnapshot{
		Kind:     key.Kind,
		TargetID: key.TargetID,
		Counters: map[string]float64{},
	}
}

func itemToSnapshot(key domain.MetricKey, item map[string]types.AttributeValue) (domain.MetricSnapshot, error) {
	snap := emptySnapshot(key)
	for attr, v := range item {
		if !strings.HasPrefix(attr, counterAttrPrefix) {
			continue
		}
		n, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return domain.MetricSnapshot{}, fmt.Errorf("repository: attribute %q is not a number", attr)
		}
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return domain.MetricSnapshot{}, fmt.Errorf("repository: parse attribute %q: %w", attr, err)
		}
		snap.Counters[strings.TrimPrefix(attr, counterAttrPrefix)] = f
	}
	return snap, nil
}
