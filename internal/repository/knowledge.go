package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"avatar-agent/internal/domain"
)

const (
	// knowledgeAvatarAttr is the avatar-index partition key. Only knowledge
	// META items carry it, so the index stays sparse.
	knowledgeAvatarAttr = "knowledgeAvatarId"

	// maxTransactItems is the DynamoDB limit on actions per transaction.
	maxTransactItems = 100
	// maxBatchGetKeys is the DynamoDB limit on keys per BatchGetItem call.
	maxBatchGetKeys     = 100
	maxBatchGetAttempts = 3
)

// CreateKnowledge writes a new knowledge item together with one keyword
// index item (PK KW#<keyword>, SK KNOW#<id>) per keyword, in one
// transaction.
func (c *Client) CreateKnowledge(ctx context.Context, k domain.KnowledgeItem) error {
	if k.KnowledgeID == "" || k.AvatarID == "" {
		return errors.New("repository: CreateKnowledge: knowledge id and avatar id are required")
	}
	keywords := uniqueKeywords(k.Keywords)
	if len(keywords)+1 > maxTransactItems {
		return fmt.Errorf("repository: CreateKnowledge: %d keywords exceed the limit of %d", len(keywords), maxTransactItems-1)
	}

	writes := make([]types.TransactWriteItem, 0, len(keywords)+1)
	writes = append(writes, types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(c.tableName),
		Item:                knowledgeItem(k),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}})
	for _, kw := range keywords {
		writes = append(writes, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item:      keywordItem(kw, k.KnowledgeID),
		}})
	}
	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes}); err != nil {
		return fmt.Errorf("repository: CreateKnowledge: %w", mapWriteErr(err))
	}
	return nil
}

// GetKnowledge loads a knowledge item by id.
func (c *Client) GetKnowledge(ctx context.Context, knowledgeID string) (domain.KnowledgeItem, error) {
	item, err := c.getItem(ctx, knowledgePK(knowledgeID), skMeta)
	if err != nil {
		return domain.KnowledgeItem{}, fmt.Errorf("repository: GetKnowledge: %w", err)
	}
	k, err := itemToKnowledge(item)
	if err != nil {
		return domain.KnowledgeItem{}, fmt.Errorf("repository: GetKnowledge unmarshal: %w", err)
	}
	return k, nil
}

// UpdateKnowledgeStatus moves an item through its publication lifecycle.
func (c *Client) UpdateKnowledgeStatus(ctx context.Context, knowledgeID string, status domain.KnowledgeStatus, verification domain.VerificationStatus, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(knowledgePK(knowledgeID), skMeta),
		UpdateExpression:    aws.String("SET #status = :status, verificationStatus = :verification, updatedAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":       strValue(string(status)),
			":verification": strValue(string(verification)),
			":at":           timeValue(at),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateKnowledgeStatus: %w", mapWriteErr(err))
	}
	return nil
}

// KnowledgeByAvatar returns the ACTIVE items owned by an avatar via the
// avatar index. Ordering is left to the caller.
func (c *Client) KnowledgeByAvatar(ctx context.Context, avatarID string) ([]domain.KnowledgeItem, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(avatarIndexName),
		KeyConditionExpression: aws.String("#avatar = :avatar"),
		FilterExpression:       aws.String("#status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#avatar": knowledgeAvatarAttr,
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":avatar": strValue(avatarID),
			":active": strValue(string(domain.KnowledgeActive)),
		},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: KnowledgeByAvatar query: %w", err)
	}
	return itemsToKnowledge("KnowledgeByAvatar", items)
}

// SearchKnowledge returns ACTIVE items tagged with at least one of keywords,
// in id order. Each keyword costs one query against its index partition;
// more than domain.MaxSearchKeywords keywords are rejected.
func (c *Client) SearchKnowledge(ctx context.Context, keywords []string) ([]domain.KnowledgeItem, error) {
	keywords = uniqueKeywords(keywords)
	if len(keywords) == 0 {
		return nil, nil
	}
	if len(keywords) > domain.MaxSearchKeywords {
		return nil, fmt.Errorf("repository: SearchKnowledge: %d keywords exceed the limit of %d", len(keywords), domain.MaxSearchKeywords)
	}

	seen := map[string]struct{}{}
	var ids []string
	for _, kw := range keywords {
		refs, err := c.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": strValue(keywordPK(kw)),
			},
			ProjectionExpression: aws.String("knowledgeId"),
		}, 0)
		if err != nil {
			return nil, fmt.Errorf("repository: SearchKnowledge query %q: %w", kw, err)
		}
		for _, ref := range refs {
			id, err := strAttr(ref, "knowledgeId")
			if err != nil {
				return nil, fmt.Errorf("repository: SearchKnowledge index item: %w", err)
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	items, err := c.batchGetKnowledge(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("repository: SearchKnowledge: %w", err)
	}
	out, err := itemsToKnowledge("SearchKnowledge", items)
	if err != nil {
		return nil, err
	}
	active := out[:0]
	for _, k := range out {
		if k.Status == domain.KnowledgeActive {
			active = append(active, k)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].KnowledgeID < active[j].KnowledgeID })
	return active, nil
}

// batchGetKnowledge loads the META items of ids, retrying unprocessed keys.
func (c *Client) batchGetKnowledge(ctx context.Context, ids []string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for start := 0; start < len(ids); start += maxBatchGetKeys {
		end := min(start+maxBatchGetKeys, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, itemKey(knowledgePK(id), skMeta))
		}
		request := map[string]types.KeysAndAttributes{
			c.tableName: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}
		for attempt := 0; len(request) > 0; attempt++ {
			if attempt == maxBatchGetAttempts {
				return nil, errors.New("batch get: unprocessed keys remain")
			}
			out, err := c.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, fmt.Errorf("batch get: %w", err)
			}
			items = append(items, out.Responses[c.tableName]...)
			request = out.UnprocessedKeys
		}
	}
	return items, nil
}

// KnowledgeByRegion returns ACTIVE items whose cultural region equals region.
func (c *Client) KnowledgeByRegion(ctx context.Context, region string) ([]domain.KnowledgeItem, error) {
	items, err := c.scanAll(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(c.tableName),
		FilterExpression:         aws.String("begins_with(PK, :prefix) AND SK = :meta AND #status = :active AND culturalRegion = :region"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": strValue(pkKnowledgePrefix),
			":meta":   strValue(skMeta),
			":active": strValue(string(domain.KnowledgeActive)),
			":region": strValue(region),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: KnowledgeByRegion scan: %w", err)
	}
	return itemsToKnowledge("KnowledgeByRegion", items)
}

func itemsToKnowledge(op string, items []map[string]types.AttributeValue) ([]domain.KnowledgeItem, error) {
	out := make([]domain.KnowledgeItem, 0, len(items))
	for _, item := range items {
		k, err := itemToKnowledge(item)
		if err != nil {
			return nil, fmt.Errorf("repository: %s unmarshal: %w", op, err)
		}
		out = append(out, k)
	}
	return out, nil
}

func keywordItem(kw, knowledgeID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          strValue(keywordPK(kw)),
		"SK":          strValue(knowledgePK(knowledgeID)),
		"knowledgeId": strValue(knowledgeID),
	}
}

func uniqueKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		pk := keywordPK(kw)
		if pk == pkKeywordPrefix {
			continue
		}
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func knowledgeItem(k domain.KnowledgeItem) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                 strValue(knowledgePK(k.KnowledgeID)),
		"SK":                 strValue(skMeta),
		"knowledgeId":        strValue(k.KnowledgeID),
		knowledgeAvatarAttr:  strValue(k.AvatarID),
		"category":           strValue(k.Category),
		"culturalRegion":     strValue(k.CulturalRegion),
		"relatedCultures":    listValue(k.RelatedCultures),
		"difficultyLevel":    strValue(k.DifficultyLevel),
		"targetAudience":     strValue(k.TargetAudience),
		"keywords":           listValue(k.Keywords),
		"relatedTopics":      listValue(k.RelatedTopics),
		"title":              strValue(k.Title),
		"summary":            strValue(k.Summary),
		"description":        strValue(k.Description),
		"content":            strValue(k.Content),
		"verificationStatus": strValue(string(k.VerificationStatus)),
		"status":             strValue(string(k.Status)),
		"relevanceScore":     floatValue(k.RelevanceScore),
		"timesAccessed":      intValue(k.TimesAccessed),
		"ratingSum":          floatValue(k.RatingSum),
		"totalRatings":       intValue(k.TotalRatings),
		"shareCount":         intValue(k.ShareCount),
		"createdAt":          timeValue(k.CreatedAt),
		"updatedAt":          timeValue(k.UpdatedAt),
	}
	if k.LastAccessed != nil {
		item["lastAccessed"] = timeValue(*k.LastAccessed)
	}
	return item
}

func itemToKnowledge(item map[string]types.AttributeValue) (domain.KnowledgeItem, error) {
	id, err := strAttr(item, "knowledgeId")
	if err != nil {
		return domain.KnowledgeItem{}, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.KnowledgeItem{}, err
	}
	lastAccessed, err := optTimeAttr(item, "lastAccessed")
	if err != nil {
		return domain.KnowledgeItem{}, err
	}

	k := domain.KnowledgeItem{
		KnowledgeID:        id,
		AvatarID:           optStrAttr(item, knowledgeAvatarAttr),
		Category:           optStrAttr(item, "category"),
		CulturalRegion:     optStrAttr(item, "culturalRegion"),
		RelatedCultures:    listAttr(item, "relatedCultures"),
		DifficultyLevel:    optStrAttr(item, "difficultyLevel"),
		TargetAudience:     optStrAttr(item, "targetAudience"),
		Keywords:           listAttr(item, "keywords"),
		RelatedTopics:      listAttr(item, "relatedTopics"),
		Title:              title,
		Summary:            optStrAttr(item, "summary"),
		Description:        optStrAttr(item, "description"),
		Content:            optStrAttr(item, "content"),
		VerificationStatus: domain.VerificationStatus(optStrAttr(item, "verificationStatus")),
		Status:             domain.KnowledgeStatus(optStrAttr(item, "status")),
		RelevanceScore:     domain.DefaultRelevanceScore,
		LastAccessed:       lastAccessed,
	}
	if score, ok, err := floatAttr(item, "relevanceScore"); err != nil {
		return domain.KnowledgeItem{}, err
	} else if ok {
		k.RelevanceScore = score
	}
	if k.TimesAccessed, err = optIntAttr(item, domain.FieldTimesAccessed); err != nil {
		return domain.KnowledgeItem{}, err
	}
	if k.TotalRatings, err = optIntAttr(item, domain.FieldTotalRatings); err != nil {
		return domain.KnowledgeItem{}, err
	}
	if k.ShareCount, err = optIntAttr(item, domain.FieldShareCount); err != nil {
		return domain.KnowledgeItem{}, err
	}
	if k.RatingSum, _, err = floatAttr(item, domain.FieldRatingSum); err != nil {
		return domain.KnowledgeItem{}, err
	}
	if created, err := optTimeAttr(item, "createdAt"); err != nil {
		return domain.KnowledgeItem{}, err
	} else if created != nil {
		k.CreatedAt = *created
	}
	if updated, err := optTimeAttr(item, "updatedAt"); err != nil {
		return domain.KnowledgeItem{}, err
	} else if updated != nil {
		k.UpdatedAt = *updated
	}
	return k, nil
}
