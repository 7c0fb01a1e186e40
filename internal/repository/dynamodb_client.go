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

	"avatar-agent/internal/domain"
)

const (
	pkSessionPrefix   = "SESS#"
	pkKnowledgePrefix = "KNOW#"
	pkAvatarPrefix    = "AVATAR#"
	pkMetricPrefix    = "METRIC#"
	pkKeywordPrefix   = "KW#"
	skTurnPrefix      = "TURN#"
	skMeta            = "META#"
	skStats           = "STATS#"

	avatarIndexName = "avatar-index"
	turnTTL         = 90 * 24 * time.Hour

	// Fixed-width UTC layout so stored timestamps compare lexicographically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding sessions, turns, knowledge
// items, avatar stats and analytics metrics.
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

func sessionPK(sessionID string) string {
	return pkSessionPrefix + sessionID
}

// turnSK orders turns by messageOrder; the zero padding keeps the sort key
// ordering numeric.
func turnSK(order int) string {
	return fmt.Sprintf("%s%08d", skTurnPrefix, order)
}

func knowledgePK(knowledgeID string) string {
	return pkKnowledgePrefix + knowledgeID
}

// keywordPK addresses the index partition listing the knowledge items
// tagged with kw.
func keywordPK(kw string) string {
	return pkKeywordPrefix + strings.ToLower(strings.TrimSpace(kw))
}

func avatarPK(avatarID string) string {
	return pkAvatarPrefix + avatarID
}

func metricPK(kind domain.MetricKind) string {
	return pkMetricPrefix + string(kind)
}

func counterItemKey(key domain.CounterKey) (map[string]types.AttributeValue, error) {
	switch key.Kind {
	case domain.CounterSession:
		return itemKey(sessionPK(key.ID), skMeta), nil
	case domain.CounterKnowledge:
		return itemKey(knowledgePK(key.ID), skMeta), nil
	case domain.CounterAvatar:
		return itemKey(avatarPK(key.ID), skStats), nil
	}
	return nil, fmt.Errorf("repository: unknown counter kind %q", key.Kind)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, domain.ErrNotFound
	}
	return out.Item, nil
}

// queryAll follows LastEvaluatedKey until the query is exhausted or limit
// items have been collected (limit <= 0 means no limit).
func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput, limit int) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	p := dynamodb.NewQueryPaginator(c.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if limit > 0 && len(items) >= limit {
			return items[:limit], nil
		}
	}
	return items, nil
}

func (c *Client) scanAll(ctx context.Context, in *dynamodb.ScanInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	p := dynamodb.NewScanPaginator(c.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// mapWriteErr converts a failed condition into domain.ErrConflict so callers
// can tell a lost race from an unavailable store.
func mapWriteErr(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("%w: %v", domain.ErrConflict, err)
			}
		}
	}
	return err
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

// optStrAttr returns "" for a missing attribute.
func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		// Counters written through ADD with float deltas may carry a fraction.
		f, ferr := strconv.ParseFloat(n.Value, 64)
		if ferr != nil {
			return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
		}
		return int64(f), nil
	}
	return parsed, nil
}

// optIntAttr reads a counter; counters that were never incremented are absent.
func optIntAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	if _, ok := item[key]; !ok {
		return 0, nil
	}
	return intAttr(item, key)
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, bool, error) {
	v, ok := item[key]
	if !ok {
		return 0, false, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, false, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return f, true, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func optTimeAttr(item map[string]types.AttributeValue, key string) (*time.Time, error) {
	if _, ok := item[key]; !ok {
		return nil, nil
	}
	t, err := timeAttr(item, key)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}

func listAttr(item map[string]types.AttributeValue, key string) []string {
	l, ok := item[key].(*types.AttributeValueMemberL)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l.Value))
	for _, v := range l.Value {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			out = append(out, s.Value)
		}
	}
	return out
}

func strValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func intValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func floatValue(f float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(f, 'f', -1, 64)}
}

func timeValue(t time.Time) types.AttributeValue {
	return strValue(formatTime(t))
}

func listValue(values []string) types.AttributeValue {
	l := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		l = append(l, strValue(v))
	}
	return &types.AttributeValueMemberL{Value: l}
}
