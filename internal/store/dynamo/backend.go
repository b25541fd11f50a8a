// Package dynamo implements the session/message and cost backends on
// DynamoDB. Single-table design: all user-owned items share the
// USER#{uid} partition; sort-key prefixes separate sessions (S#),
// conversation messages (C#), and cost rows (COST#). Aggregates use
// atomic ADD updates and conditional puts only.
package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// GSI names.
const (
	SessionLookupIndex = "SessionLookupIndex"
	UserTimestampIndex = "UserTimestampIndex"
	PeriodCostIndex    = "PeriodCostIndex"
)

// API is the subset of the DynamoDB client the backends call. It is
// satisfied by *dynamodb.Client; tests substitute a fake.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Backend stores sessions and messages in the sessions table.
type Backend struct {
	db    API
	table string
	log   *slog.Logger
}

// NewBackend wires a sessions-table backend.
func NewBackend(db API, table string, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{db: db, table: table, log: log}
}

// EagerPersist is true: cloud mode persists each message as it is
// appended, so the session-layer flush has nothing left to write.
func (b *Backend) EagerPersist() bool { return true }

// sessionItem is the stored shape of a session record.
type sessionItem struct {
	PK            string                 `dynamodbav:"PK"`
	SK            string                 `dynamodbav:"SK"`
	GSI1PK        string                 `dynamodbav:"GSI1PK"`
	GSI1SK        string                 `dynamodbav:"GSI1SK"`
	SessionID     string                 `dynamodbav:"sessionId"`
	UserID        string                 `dynamodbav:"userId"`
	Title         string                 `dynamodbav:"title,omitempty"`
	Status        string                 `dynamodbav:"status"`
	CreatedAt     string                 `dynamodbav:"createdAt"`
	LastMessageAt string                 `dynamodbav:"lastMessageAt"`
	MessageCount  int                    `dynamodbav:"messageCount"`
	Preferences   *store.Preferences     `dynamodbav:"preferences,omitempty"`
	Compaction    *store.CompactionState `dynamodbav:"compaction,omitempty"`
}

func sessionToItem(s *store.Session) *sessionItem {
	return &sessionItem{
		PK:            store.UserPK(s.UserID),
		SK:            store.SessionSK(s.Status, s.LastMessageAt, s.SessionID),
		GSI1PK:        "SESSION#" + s.SessionID,
		GSI1SK:        "META",
		SessionID:     s.SessionID,
		UserID:        s.UserID,
		Title:         s.Title,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastMessageAt: s.LastMessageAt.UTC().Format(time.RFC3339Nano),
		MessageCount:  s.MessageCount,
		Preferences:   s.Preferences,
		Compaction:    s.Compaction,
	}
}

func itemToSession(it *sessionItem) *store.Session {
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	last, _ := time.Parse(time.RFC3339Nano, it.LastMessageAt)
	return &store.Session{
		SessionID:     it.SessionID,
		UserID:        it.UserID,
		Title:         it.Title,
		Status:        it.Status,
		CreatedAt:     created,
		LastMessageAt: last,
		MessageCount:  it.MessageCount,
		Preferences:   it.Preferences,
		Compaction:    it.Compaction,
	}
}

// lookupSession finds the session record via SessionLookupIndex,
// independent of its mutable sort key.
func (b *Backend) lookupSession(ctx context.Context, sessionID string) (*sessionItem, error) {
	out, err := b.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		IndexName:              aws.String(SessionLookupIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "SESSION#" + sessionID},
			":sk": &types.AttributeValueMemberS{Value: "META"},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var it sessionItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &it, nil
}

// OpenSession returns the session, creating an ACTIVE record when the
// lookup index has no entry for the id.
func (b *Backend) OpenSession(ctx context.Context, sessionID, userID string) (*store.Session, error) {
	it, err := b.lookupSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if it != nil {
		return itemToSession(it), nil
	}

	now := time.Now().UTC()
	sess := &store.Session{
		SessionID:     sessionID,
		UserID:        userID,
		Status:        store.StatusActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	item, err := attributevalue.MarshalMap(sessionToItem(sess))
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if _, err := b.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}); err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			// Lost the create race; the winner's record is authoritative.
			if it, lerr := b.lookupSession(ctx, sessionID); lerr == nil && it != nil {
				return itemToSession(it), nil
			}
		}
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	b.log.Debug("session created", "session_id", sessionID, "user_id", userID)
	return sess, nil
}

// messageItem is the stored shape of one conversation message. Content
// is stored as a JSON string so block unions survive untouched.
type messageItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	GSI1PK    string `dynamodbav:"GSI1PK"`
	GSI1SK    string `dynamodbav:"GSI1SK"`
	SessionID string `dynamodbav:"sessionId"`
	Sequence  int    `dynamodbav:"sequence"`
	Role      string `dynamodbav:"role"`
	Content   string `dynamodbav:"content"`
	CreatedAt string `dynamodbav:"createdAt"`
	Timestamp string `dynamodbav:"timestamp"`
}

// AppendMessages writes the batch, then moves the session record's
// sort key to the new last_message_at inside one transaction.
func (b *Backend) AppendMessages(ctx context.Context, sessionID string, msgs []store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	it, err := b.lookupSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("append: session %s not found", sessionID)
	}

	var writes []types.WriteRequest
	for _, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("marshal content seq %d: %w", m.Sequence, err)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		ts := created.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		item, err := attributevalue.MarshalMap(&messageItem{
			PK:        store.UserPK(it.UserID),
			SK:        store.MessageSK(created, uuid.NewString()),
			GSI1PK:    "SESSION#" + sessionID,
			GSI1SK:    "C#" + ts,
			SessionID: sessionID,
			Sequence:  m.Sequence,
			Role:      m.Role,
			Content:   string(content),
			CreatedAt: created.UTC().Format(time.RFC3339Nano),
			Timestamp: ts,
		})
		if err != nil {
			return fmt.Errorf("marshal message seq %d: %w", m.Sequence, err)
		}
		writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if _, err := b.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{b.table: writes},
	}); err != nil {
		return fmt.Errorf("batch write messages: %w", err)
	}

	maxSeq := 0
	for _, m := range msgs {
		if m.Sequence+1 > maxSeq {
			maxSeq = m.Sequence + 1
		}
	}
	if maxSeq < it.MessageCount {
		maxSeq = it.MessageCount
	}
	sess := itemToSession(it)
	sess.MessageCount = maxSeq
	sess.LastMessageAt = time.Now().UTC()
	return b.moveSession(ctx, it, sess)
}

// moveSession replaces the session record when its sort key changes:
// delete old key + put new key in one transaction so a session never
// appears twice (or not at all) in a listing.
func (b *Backend) moveSession(ctx context.Context, old *sessionItem, updated *store.Session) error {
	newItem := sessionToItem(updated)
	marshaled, err := attributevalue.MarshalMap(newItem)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if newItem.SK == old.SK {
		_, err := b.db.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(b.table),
			Item:      marshaled,
		})
		return err
	}
	_, err = b.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName: aws.String(b.table),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: old.PK},
					"SK": &types.AttributeValueMemberS{Value: old.SK},
				},
			}},
			{Put: &types.Put{
				TableName: aws.String(b.table),
				Item:      marshaled,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("move session %s: %w", updated.SessionID, err)
	}
	return nil
}

// LoadMessages queries the session's messages via SessionLookupIndex
// and filters to sequence >= from.
func (b *Backend) LoadMessages(ctx context.Context, sessionID string, from int) ([]store.Message, error) {
	var (
		out  []store.Message
		last map[string]types.AttributeValue
	)
	for {
		resp, err := b.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.table),
			IndexName:              aws.String(SessionLookupIndex),
			KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :c)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: "SESSION#" + sessionID},
				":c":  &types.AttributeValueMemberS{Value: "C#"},
			},
			ExclusiveStartKey: last,
		})
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		for _, raw := range resp.Items {
			var it messageItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal message: %w", err)
			}
			if it.Sequence < from {
				continue
			}
			m, err := itemToMessage(&it)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		last = resp.LastEvaluatedKey
	}
	sortMessages(out)
	return out, nil
}

func itemToMessage(it *messageItem) (store.Message, error) {
	var content []store.ContentBlock
	if err := json.Unmarshal([]byte(it.Content), &content); err != nil {
		return store.Message{}, fmt.Errorf("decode content seq %d: %w", it.Sequence, err)
	}
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	return store.Message{
		Sequence:  it.Sequence,
		Role:      it.Role,
		Content:   content,
		CreatedAt: created,
	}, nil
}

func sortMessages(msgs []store.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
}

// ListMessages pages with an opaque cursor wrapping the DynamoDB
// exclusive-start key.
func (b *Backend) ListMessages(ctx context.Context, sessionID string, limit int, cursor string) ([]store.Message, string, error) {
	if limit <= 0 {
		limit = 50
	}
	var start map[string]types.AttributeValue
	if cursor != "" {
		raw, err := base64.StdEncoding.DecodeString(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor: %w", err)
		}
		var keys map[string]string
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, "", fmt.Errorf("bad cursor: %w", err)
		}
		start = map[string]types.AttributeValue{}
		for k, v := range keys {
			start[k] = &types.AttributeValueMemberS{Value: v}
		}
	}

	resp, err := b.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		IndexName:              aws.String(SessionLookupIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :c)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "SESSION#" + sessionID},
			":c":  &types.AttributeValueMemberS{Value: "C#"},
		},
		Limit:             aws.Int32(int32(limit)),
		ExclusiveStartKey: start,
	})
	if err != nil {
		return nil, "", fmt.Errorf("query messages: %w", err)
	}

	msgs := make([]store.Message, 0, len(resp.Items))
	for _, raw := range resp.Items {
		var it messageItem
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			return nil, "", fmt.Errorf("unmarshal message: %w", err)
		}
		m, err := itemToMessage(&it)
		if err != nil {
			return nil, "", err
		}
		msgs = append(msgs, m)
	}

	next := ""
	if len(resp.LastEvaluatedKey) > 0 {
		keys := map[string]string{}
		for k, v := range resp.LastEvaluatedKey {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				keys[k] = s.Value
			}
		}
		raw, _ := json.Marshal(keys)
		next = base64.StdEncoding.EncodeToString(raw)
	}
	return msgs, next, nil
}

// UpdateSession merges the patch and rewrites the record, moving the
// sort key if last_message_at or status changed.
func (b *Backend) UpdateSession(ctx context.Context, sessionID, userID string, patch store.SessionUpdate) error {
	it, err := b.lookupSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("update: session %s not found", sessionID)
	}
	sess := itemToSession(it)
	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.LastMessageAt != nil {
		sess.LastMessageAt = *patch.LastMessageAt
	}
	if patch.MessageCount != nil {
		sess.MessageCount = *patch.MessageCount
	}
	if patch.Preferences != nil {
		sess.Preferences = mergePreferences(sess.Preferences, patch.Preferences)
	}
	return b.moveSession(ctx, it, sess)
}

func mergePreferences(base, patch *store.Preferences) *store.Preferences {
	if base == nil {
		cp := *patch
		return &cp
	}
	out := *base
	if patch.LastModel != "" {
		out.LastModel = patch.LastModel
	}
	if patch.Temperature != nil {
		out.Temperature = patch.Temperature
	}
	if patch.EnabledTools != nil {
		out.EnabledTools = patch.EnabledTools
	}
	if patch.SystemPromptHash != "" {
		out.SystemPromptHash = patch.SystemPromptHash
	}
	if patch.AssistantID != "" {
		out.AssistantID = patch.AssistantID
	}
	return &out
}

// metadataItem is the stored shape of one message-metadata record,
// reachable per-session through SessionLookupIndex.
type metadataItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	GSI1PK    string `dynamodbav:"GSI1PK"`
	GSI1SK    string `dynamodbav:"GSI1SK"`
	SessionID string `dynamodbav:"sessionId"`
	MessageID string `dynamodbav:"messageId"`
	Payload   string `dynamodbav:"payload"`
}

// PutMessageMetadata writes the sidecar record conditionally so a
// retry never replaces the first write.
func (b *Backend) PutMessageMetadata(ctx context.Context, sessionID, messageID string, meta *store.MessageMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	item, err := attributevalue.MarshalMap(&metadataItem{
		PK:        store.UserPK(meta.Attribution.UserID),
		SK:        "META#" + messageID,
		GSI1PK:    "SESSION#" + sessionID,
		GSI1SK:    "META#" + messageID,
		SessionID: sessionID,
		MessageID: messageID,
		Payload:   string(payload),
	})
	if err != nil {
		return fmt.Errorf("marshal metadata item: %w", err)
	}
	_, err = b.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var cond *types.ConditionalCheckFailedException
	if errors.As(err, &cond) {
		b.log.Debug("metadata already present, skipping", "message_id", messageID)
		return nil
	}
	return err
}

// SaveCompactionState rewrites the compaction attribute on the
// session record. Regressions are dropped.
func (b *Backend) SaveCompactionState(ctx context.Context, sessionID, userID string, st *store.CompactionState) error {
	it, err := b.lookupSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("compaction: session %s not found", sessionID)
	}
	if it.Compaction != nil && st.Checkpoint < it.Compaction.Checkpoint {
		return nil
	}
	sess := itemToSession(it)
	sess.Compaction = st
	return b.moveSession(ctx, it, sess)
}

// ListSessions queries active sessions newest-first straight off the
// sort key: no in-memory sort, no cost-row filtering.
func (b *Backend) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	resp, err := b.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: store.UserPK(userID)},
			":sk": &types.AttributeValueMemberS{Value: "S#ACTIVE#"},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]store.Session, 0, len(resp.Items))
	for _, raw := range resp.Items {
		var it sessionItem
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, *itemToSession(&it))
	}
	return out, nil
}
