package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// CostBackend stores cost aggregates in the cost table. Every write is
// an atomic ADD or a conditional put; the table is never read before
// writing.
type CostBackend struct {
	db           API
	summaryTable string
	rollupTable  string
	log          *slog.Logger
}

// NewCostBackend wires the cost backend over its two tables: user
// summaries, model breakdowns, and per-message records live in the
// summary table; system rollups and active-user markers live in the
// rollup table.
func NewCostBackend(db API, summaryTable, rollupTable string, log *slog.Logger) *CostBackend {
	if log == nil {
		log = slog.Default()
	}
	return &CostBackend{db: db, summaryTable: summaryTable, rollupTable: rollupTable, log: log}
}

func num(v float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

func numInt(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

// AddUserSummary folds the delta into the monthly summary with one ADD
// expression. The GSI partition key is SET so a fresh record lands in
// PeriodCostIndex immediately.
func (c *CostBackend) AddUserSummary(ctx context.Context, userID, period string, delta store.SummaryDelta) error {
	_, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": str(store.UserPK(userID)),
			"SK": str(store.SummarySK(period)),
		},
		UpdateExpression: aws.String(
			"ADD totalCost :cost, totalRequests :req, inputTokens :in, outputTokens :out, " +
				"cacheReadTokens :cr, cacheWriteTokens :cw, cacheSavings :sav " +
				"SET GSI2PK = :gpk, lastUpdated = :now, userId = :uid, period = :period"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cost":   num(delta.CostUSD),
			":req":    numInt(delta.Requests),
			":in":     numInt(delta.InputTokens),
			":out":    numInt(delta.OutputTokens),
			":cr":     numInt(delta.CacheReadTokens),
			":cw":     numInt(delta.CacheWriteTokens),
			":sav":    num(delta.CacheSavingsUSD),
			":gpk":    str("PERIOD#" + period),
			":now":    str(time.Now().UTC().Format(time.RFC3339Nano)),
			":uid":    str(userID),
			":period": str(period),
		},
	})
	if err != nil {
		return fmt.Errorf("add user summary %s/%s: %w", userID, period, err)
	}
	return nil
}

// SetSummaryCostRank writes the sorted-index key from the post-ADD
// total. A separate update so the hot ADD path never carries a
// read-dependent value.
func (c *CostBackend) SetSummaryCostRank(ctx context.Context, userID, period string, totalCents int64) error {
	_, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": str(store.UserPK(userID)),
			"SK": str(store.SummarySK(period)),
		},
		UpdateExpression: aws.String("SET GSI2SK = :rank"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rank": str(store.CostRankSK(totalCents)),
		},
	})
	if err != nil {
		return fmt.Errorf("set cost rank %s/%s: %w", userID, period, err)
	}
	return nil
}

// AddModelUsage applies the three-step nested-map update. DynamoDB
// rejects expressions whose document paths overlap, so the map
// initialization, the entry initialization, and the ADD each run as
// their own update.
func (c *CostBackend) AddModelUsage(ctx context.Context, userID, period, modelIDSafe string, delta store.ModelDelta) error {
	key := map[string]types.AttributeValue{
		"PK": str(store.UserPK(userID)),
		"SK": str(store.SummarySK(period)),
	}

	// Step 1: ensure the models map exists.
	if _, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.summaryTable),
		Key:              key,
		UpdateExpression: aws.String("SET models = if_not_exists(models, :empty)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
		},
	}); err != nil {
		return fmt.Errorf("init models map: %w", err)
	}

	// Step 2: ensure this model's entry exists with zeroed counters.
	if _, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.summaryTable),
		Key:                      key,
		UpdateExpression:         aws.String("SET models.#m = if_not_exists(models.#m, :zero)"),
		ExpressionAttributeNames: map[string]string{"#m": modelIDSafe},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"cost":     num(0),
				"requests": numInt(0),
				"tokens":   numInt(0),
			}},
		},
	}); err != nil {
		return fmt.Errorf("init model entry %s: %w", modelIDSafe, err)
	}

	// Step 3: atomic ADD into the entry's counters.
	if _, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.summaryTable),
		Key:                      key,
		UpdateExpression:         aws.String("ADD models.#m.cost :cost, models.#m.requests :req, models.#m.tokens :tok"),
		ExpressionAttributeNames: map[string]string{"#m": modelIDSafe},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cost": num(delta.CostUSD),
			":req":  numInt(delta.Requests),
			":tok":  numInt(delta.Tokens),
		},
	}); err != nil {
		return fmt.Errorf("add model usage %s: %w", modelIDSafe, err)
	}
	return nil
}

// AddRollup folds the delta into one rollup row with a single ADD.
func (c *CostBackend) AddRollup(ctx context.Context, family, key string, delta store.RollupDelta) error {
	expr := "ADD totalCost :cost, totalRequests :req, totalTokens :tok, cacheSavings :sav"
	vals := map[string]types.AttributeValue{
		":cost": num(delta.CostUSD),
		":req":  numInt(delta.Requests),
		":tok":  numInt(delta.Tokens),
		":sav":  num(delta.CacheSavingsUSD),
	}
	switch {
	case delta.ActiveUsers != 0 && family == store.RollupModel:
		expr += ", uniqueUsers :users"
		vals[":users"] = numInt(delta.ActiveUsers)
	case delta.ActiveUsers != 0:
		expr += ", activeUsers :users"
		vals[":users"] = numInt(delta.ActiveUsers)
	}
	if delta.ModelName != "" {
		expr += " SET modelName = :mn, provider = :prov"
		vals[":mn"] = str(delta.ModelName)
		vals[":prov"] = str(delta.Provider)
	}
	_, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.rollupTable),
		Key: map[string]types.AttributeValue{
			"PK": str(store.RollupPK(family)),
			"SK": str(key),
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: vals,
	})
	if err != nil {
		return fmt.Errorf("add rollup %s/%s: %w", family, key, err)
	}
	return nil
}

// CreateActiveMarker puts the marker with attribute_not_exists so only
// the first request in scope succeeds.
func (c *CostBackend) CreateActiveMarker(ctx context.Context, scope, userID string, ttl time.Duration) error {
	item := map[string]types.AttributeValue{
		"PK":        str(store.MarkerPK(scope)),
		"SK":        str(userID),
		"createdAt": str(time.Now().UTC().Format(time.RFC3339Nano)),
	}
	if ttl > 0 {
		item["ttl"] = numInt(time.Now().Add(ttl).Unix())
	}
	_, err := c.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.rollupTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var cond *types.ConditionalCheckFailedException
	if errors.As(err, &cond) {
		return store.ErrMarkerExists
	}
	if err != nil {
		return fmt.Errorf("create marker %s/%s: %w", scope, userID, err)
	}
	return nil
}

// costRecordItem is the stored per-message cost row. GSI1 points back
// at the session for per-session cost queries.
type costRecordItem struct {
	PK               string  `dynamodbav:"PK"`
	SK               string  `dynamodbav:"SK"`
	GSI1PK           string  `dynamodbav:"GSI1PK"`
	GSI1SK           string  `dynamodbav:"GSI1SK"`
	RecordID         string  `dynamodbav:"recordId"`
	UserID           string  `dynamodbav:"userId"`
	SessionID        string  `dynamodbav:"sessionId"`
	MessageID        string  `dynamodbav:"messageId"`
	ModelID          string  `dynamodbav:"modelId"`
	InputTokens      int     `dynamodbav:"inputTokens"`
	OutputTokens     int     `dynamodbav:"outputTokens"`
	CacheReadTokens  int     `dynamodbav:"cacheReadTokens"`
	CacheWriteTokens int     `dynamodbav:"cacheWriteTokens"`
	Cost             float64 `dynamodbav:"cost"`
	Timestamp        string  `dynamodbav:"timestamp"`
	TTL              int64   `dynamodbav:"ttl"`
}

// PutCostRecord writes the per-message row with a 365-day TTL.
func (c *CostBackend) PutCostRecord(ctx context.Context, rec *store.CostRecord) error {
	ts := rec.Timestamp.UTC()
	item, err := attributevalue.MarshalMap(&costRecordItem{
		PK:               store.UserPK(rec.UserID),
		SK:               store.CostRecordSK(ts, rec.MessageID),
		GSI1PK:           "SESSION#" + rec.SessionID,
		GSI1SK:           "C#" + ts.Format(time.RFC3339Nano),
		RecordID:         rec.RecordID,
		UserID:           rec.UserID,
		SessionID:        rec.SessionID,
		MessageID:        rec.MessageID,
		ModelID:          rec.ModelID,
		InputTokens:      rec.Usage.InputTokens,
		OutputTokens:     rec.Usage.OutputTokens,
		CacheReadTokens:  rec.Usage.CacheReadTokens,
		CacheWriteTokens: rec.Usage.CacheWriteTokens,
		Cost:             rec.CostUSD,
		Timestamp:        ts.Format(time.RFC3339Nano),
		TTL:              ts.Add(store.CostRecordTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal cost record: %w", err)
	}
	_, err = c.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.summaryTable),
		Item:      item,
	})
	return err
}

// GetUserSummary reads the monthly summary record, nil when absent.
func (c *CostBackend) GetUserSummary(ctx context.Context, userID, period string) (*store.UserCostSummary, error) {
	out, err := c.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": str(store.UserPK(userID)),
			"SK": str(store.SummarySK(period)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get summary %s/%s: %w", userID, period, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it struct {
		UserID           string                          `dynamodbav:"userId"`
		Period           string                          `dynamodbav:"period"`
		TotalCost        float64                         `dynamodbav:"totalCost"`
		TotalRequests    int64                           `dynamodbav:"totalRequests"`
		InputTokens      int64                           `dynamodbav:"inputTokens"`
		OutputTokens     int64                           `dynamodbav:"outputTokens"`
		CacheReadTokens  int64                           `dynamodbav:"cacheReadTokens"`
		CacheWriteTokens int64                           `dynamodbav:"cacheWriteTokens"`
		CacheSavings     float64                         `dynamodbav:"cacheSavings"`
		Models           map[string]store.ModelBreakdown `dynamodbav:"models"`
		LastUpdated      string                          `dynamodbav:"lastUpdated"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	last, _ := time.Parse(time.RFC3339Nano, it.LastUpdated)
	return &store.UserCostSummary{
		UserID:           it.UserID,
		Period:           it.Period,
		TotalCostUSD:     it.TotalCost,
		TotalRequests:    it.TotalRequests,
		InputTokens:      it.InputTokens,
		OutputTokens:     it.OutputTokens,
		CacheReadTokens:  it.CacheReadTokens,
		CacheWriteTokens: it.CacheWriteTokens,
		CacheSavingsUSD:  it.CacheSavings,
		Models:           it.Models,
		LastUpdated:      last,
	}, nil
}

// QueryCostRecords queries COST# rows inside the window using the sort
// key range, no filter expressions.
func (c *CostBackend) QueryCostRecords(ctx context.Context, userID string, from, to time.Time) ([]store.CostRecord, error) {
	var (
		out  []store.CostRecord
		last map[string]types.AttributeValue
	)
	for {
		resp, err := c.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.summaryTable),
			KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   str(store.UserPK(userID)),
				":from": str("COST#" + from.UTC().Format(time.RFC3339)),
				":to":   str("COST#" + to.UTC().Format(time.RFC3339) + "#\uffff"),
			},
			ExclusiveStartKey: last,
		})
		if err != nil {
			return nil, fmt.Errorf("query cost records: %w", err)
		}
		for _, raw := range resp.Items {
			var it costRecordItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal cost record: %w", err)
			}
			ts, _ := time.Parse(time.RFC3339Nano, it.Timestamp)
			out = append(out, store.CostRecord{
				RecordID:  it.RecordID,
				UserID:    it.UserID,
				SessionID: it.SessionID,
				MessageID: it.MessageID,
				ModelID:   it.ModelID,
				Usage: store.TokenUsage{
					InputTokens:      it.InputTokens,
					OutputTokens:     it.OutputTokens,
					CacheReadTokens:  it.CacheReadTokens,
					CacheWriteTokens: it.CacheWriteTokens,
				},
				CostUSD:   it.Cost,
				Timestamp: ts,
			})
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		last = resp.LastEvaluatedKey
	}
	return out, nil
}

// GetRollup reads one rollup row, nil when absent.
func (c *CostBackend) GetRollup(ctx context.Context, family, key string) (*store.SystemRollup, error) {
	out, err := c.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.rollupTable),
		Key: map[string]types.AttributeValue{
			"PK": str(store.RollupPK(family)),
			"SK": str(key),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get rollup %s/%s: %w", family, key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it struct {
		TotalCost    float64 `dynamodbav:"totalCost"`
		Requests     int64   `dynamodbav:"totalRequests"`
		Tokens       int64   `dynamodbav:"totalTokens"`
		ActiveUsers  int64   `dynamodbav:"activeUsers"`
		UniqueUsers  int64   `dynamodbav:"uniqueUsers"`
		CacheSavings float64 `dynamodbav:"cacheSavings"`
		ModelName    string  `dynamodbav:"modelName"`
		Provider     string  `dynamodbav:"provider"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal rollup: %w", err)
	}
	return &store.SystemRollup{
		Key:             key,
		CostUSD:         it.TotalCost,
		Requests:        it.Requests,
		Tokens:          it.Tokens,
		ActiveUsers:     it.ActiveUsers,
		UniqueUsers:     it.UniqueUsers,
		CacheSavingsUSD: it.CacheSavings,
		ModelName:       it.ModelName,
		Provider:        it.Provider,
	}, nil
}
