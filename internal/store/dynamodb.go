package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skMeta      = "META#"
	skPrefixSrc = "SRC#"
	skPrefixFAQ = "FAQ#"
	skPrefixMsg = "MSG#"

	// Fixed width so sort keys order chronologically.
	msgTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps every entity in one table:
//
//	BOT#<id>  META#          chatbot
//	BOT#<id>  SRC#<fileKey>  source
//	BOT#<id>  FAQ#<sha256>   faq
//	SESS#<id> META#          session
//	SESS#<id> MSG#<ts>#<seq> message
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func (d *DynamoStore) Close() error { return nil }

func botPK(id string) string  { return "BOT#" + id }
func sessPK(id string) string { return "SESS#" + id }

func faqSK(question string) string {
	sum := sha256.Sum256([]byte(question))
	return skPrefixFAQ + hex.EncodeToString(sum[:])
}

func msgSK(at time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%d", skPrefixMsg, at.UTC().Format(msgTimeFormat), seq)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (d *DynamoStore) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

func (d *DynamoStore) GetChatbot(ctx context.Context, id string) (*Chatbot, error) {
	item, err := d.getItem(ctx, botPK(id), skMeta)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: GetChatbot: %w", err)
	}
	bot, err := itemToChatbot(item)
	if err != nil {
		return nil, fmt.Errorf("store: GetChatbot decode: %w", err)
	}
	return bot, nil
}

// SaveChatbot writes the chatbot's configuration. Usage is preserved when the item already exists.
func (d *DynamoStore) SaveChatbot(ctx context.Context, bot *Chatbot) error {
	if bot.ID == "" {
		bot.ID = newID()
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key:       key(botPK(bot.ID), skMeta),
		UpdateExpression: aws.String("SET profileId = :profile, #name = :name, companyName = :company, guidelines = :guidelines, " +
			"responseLength = :length, modelTier = :tier, messagesLimitPerDay = :limit, " +
			"filesNotUploadedMessage = :filesMsg, messagesLimitWarningMessage = :limitMsg, " +
			"messagesUsed = if_not_exists(messagesUsed, :used), createdAt = if_not_exists(createdAt, :created)"),
		ExpressionAttributeNames: map[string]string{"#name": "name"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":profile":    &types.AttributeValueMemberS{Value: bot.ProfileID},
			":name":       &types.AttributeValueMemberS{Value: bot.Name},
			":company":    &types.AttributeValueMemberS{Value: bot.CompanyName},
			":guidelines": &types.AttributeValueMemberS{Value: bot.Guidelines},
			":length":     &types.AttributeValueMemberS{Value: string(bot.ResponseLength)},
			":tier":       &types.AttributeValueMemberS{Value: string(bot.ModelTier)},
			":limit":      numAttr(bot.MessagesLimitPerDay),
			":filesMsg":   &types.AttributeValueMemberS{Value: bot.FilesNotUploadedMessage},
			":limitMsg":   &types.AttributeValueMemberS{Value: bot.MessagesLimitWarningMessage},
			":used":       numAttr(bot.MessagesUsed),
			":created":    &types.AttributeValueMemberS{Value: bot.CreatedAt.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("store: SaveChatbot: %w", err)
	}
	return nil
}

func (d *DynamoStore) FindFAQByQuestion(ctx context.Context, chatbotID, question string) (*FAQ, error) {
	item, err := d.getItem(ctx, botPK(chatbotID), faqSK(question))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: FindFAQByQuestion: %w", err)
	}
	storedQuestion, _ := strAttr(item, "question")
	if storedQuestion != question {
		return nil, ErrNotFound
	}
	answer, err := strAttr(item, "answer")
	if err != nil {
		return nil, fmt.Errorf("store: FindFAQByQuestion decode: %w", err)
	}
	id, _ := strAttr(item, "id")
	return &FAQ{ID: id, ChatbotID: chatbotID, Question: question, Answer: answer}, nil
}

func (d *DynamoStore) SaveFAQ(ctx context.Context, faq *FAQ) error {
	if faq.ID == "" {
		faq.ID = newID()
	}
	item := key(botPK(faq.ChatbotID), faqSK(faq.Question))
	item["id"] = &types.AttributeValueMemberS{Value: faq.ID}
	item["question"] = &types.AttributeValueMemberS{Value: faq.Question}
	item["answer"] = &types.AttributeValueMemberS{Value: faq.Answer}
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.tableName), Item: item})
	if err != nil {
		return fmt.Errorf("store: SaveFAQ: %w", err)
	}
	return nil
}

func (d *DynamoStore) ListSources(ctx context.Context, chatbotID string) ([]Source, error) {
	items, err := d.queryPrefix(ctx, botPK(chatbotID), skPrefixSrc)
	if err != nil {
		return nil, fmt.Errorf("store: ListSources: %w", err)
	}
	sources := make([]Source, 0, len(items))
	for _, item := range items {
		fileKey, err := strAttr(item, "fileKey")
		if err != nil {
			return nil, fmt.Errorf("store: ListSources decode: %w", err)
		}
		id, _ := strAttr(item, "id")
		title, _ := strAttr(item, "title")
		created, _ := timeAttr(item, "createdAt")
		sources = append(sources, Source{ID: id, ChatbotID: chatbotID, FileKey: fileKey, Title: title, CreatedAt: created})
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].CreatedAt.Before(sources[j].CreatedAt)
	})
	return sources, nil
}

func (d *DynamoStore) SaveSource(ctx context.Context, src *Source) error {
	if src.ID == "" {
		src.ID = newID()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	item := key(botPK(src.ChatbotID), skPrefixSrc+src.FileKey)
	item["id"] = &types.AttributeValueMemberS{Value: src.ID}
	item["fileKey"] = &types.AttributeValueMemberS{Value: src.FileKey}
	item["title"] = &types.AttributeValueMemberS{Value: src.Title}
	item["createdAt"] = &types.AttributeValueMemberS{Value: src.CreatedAt.UTC().Format(time.RFC3339Nano)}
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.tableName), Item: item})
	if err != nil {
		return fmt.Errorf("store: SaveSource: %w", err)
	}
	return nil
}

func (d *DynamoStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	item, err := d.getItem(ctx, sessPK(sessionID), skMeta)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: GetSession: %w", err)
	}
	chatbotID, err := strAttr(item, "chatbotId")
	if err != nil {
		return nil, fmt.Errorf("store: GetSession decode: %w", err)
	}
	created, _ := timeAttr(item, "createdAt")
	return &Session{ID: sessionID, ChatbotID: chatbotID, CreatedAt: created}, nil
}

func (d *DynamoStore) EnsureSession(ctx context.Context, chatbotID, sessionID string) (*Session, error) {
	_, err := d.api.UpdateItem(ctx, d.sessionUpdate(chatbotID, sessionID))
	if err != nil {
		return nil, fmt.Errorf("store: EnsureSession: %w", err)
	}
	sess, err := d.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ChatbotID != chatbotID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// sessionUpdate creates the session item if missing and never rewrites an existing owner.
func (d *DynamoStore) sessionUpdate(chatbotID, sessionID string) *dynamodb.UpdateItemInput {
	return &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              key(sessPK(sessionID), skMeta),
		UpdateExpression: aws.String("SET chatbotId = if_not_exists(chatbotId, :bot), createdAt = if_not_exists(createdAt, :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":bot": &types.AttributeValueMemberS{Value: chatbotID},
			":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	}
}

func (d *DynamoStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	items, err := d.queryPrefix(ctx, sessPK(sessionID), skPrefixMsg)
	if err != nil {
		return nil, fmt.Errorf("store: ListMessages: %w", err)
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("store: ListMessages decode: %w", err)
		}
		msg.SessionID = sessionID
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (d *DynamoStore) AppendTurns(ctx context.Context, ex Exchange) error {
	_, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: d.turnItems(ex),
	})
	if err != nil {
		if conditionFailed(err, 0) {
			return ErrSessionOwner
		}
		return fmt.Errorf("store: AppendTurns: %w", err)
	}
	return nil
}

func (d *DynamoStore) IncrementUsage(ctx context.Context, chatbotID string) error {
	u := d.usageUpdate(chatbotID)
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return d.quotaOrMissing(ctx, chatbotID)
		}
		return fmt.Errorf("store: IncrementUsage: %w", err)
	}
	return nil
}

// CommitExchange writes the usage increment, the session and both turns in one transaction.
// The increment and the session owner are conditional, so the whole transaction is
// cancelled at the limit or when another chatbot owns the session.
func (d *DynamoStore) CommitExchange(ctx context.Context, ex Exchange) error {
	items := append([]types.TransactWriteItem{{Update: d.usageUpdate(ex.ChatbotID)}}, d.turnItems(ex)...)
	_, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if conditionFailed(err, 0) {
			return d.quotaOrMissing(ctx, ex.ChatbotID)
		}
		if conditionFailed(err, 1) {
			return ErrSessionOwner
		}
		return fmt.Errorf("store: CommitExchange: %w", err)
	}
	return nil
}

// conditionFailed reports whether the i-th item of a cancelled transaction failed its condition.
func conditionFailed(err error, i int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || len(tce.CancellationReasons) <= i {
		return false
	}
	return aws.ToString(tce.CancellationReasons[i].Code) == "ConditionalCheckFailed"
}

func (d *DynamoStore) quotaOrMissing(ctx context.Context, chatbotID string) error {
	if _, err := d.GetChatbot(ctx, chatbotID); err != nil {
		return err
	}
	return ErrQuotaExceeded
}

func (d *DynamoStore) usageUpdate(chatbotID string) *types.Update {
	return &types.Update{
		TableName:           aws.String(d.tableName),
		Key:                 key(botPK(chatbotID), skMeta),
		UpdateExpression:    aws.String("SET messagesUsed = messagesUsed + :one"),
		ConditionExpression: aws.String("attribute_exists(PK) AND messagesUsed < messagesLimitPerDay"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numAttr(1),
		},
	}
}

func (d *DynamoStore) turnItems(ex Exchange) []types.TransactWriteItem {
	sess := d.sessionUpdate(ex.ChatbotID, ex.SessionID)
	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:                 sess.TableName,
			Key:                       sess.Key,
			UpdateExpression:          sess.UpdateExpression,
			ConditionExpression:       aws.String("attribute_not_exists(chatbotId) OR chatbotId = :bot"),
			ExpressionAttributeValues: sess.ExpressionAttributeValues,
		},
	}}
	for _, msg := range ex.Messages(newID) {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(d.tableName),
				Item:                messageItem(msg),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	return items
}

// ResetUsage zeroes messagesUsed on every chatbot that has used any messages.
func (d *DynamoStore) ResetUsage(ctx context.Context) (int64, error) {
	var (
		reset int64
		start map[string]types.AttributeValue
	)
	for {
		out, err := d.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(d.tableName),
			FilterExpression:     aws.String("SK = :meta AND begins_with(PK, :bot) AND messagesUsed > :zero"),
			ProjectionExpression: aws.String("PK"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta": &types.AttributeValueMemberS{Value: skMeta},
				":bot":  &types.AttributeValueMemberS{Value: "BOT#"},
				":zero": numAttr(0),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return reset, fmt.Errorf("store: ResetUsage scan: %w", err)
		}
		for _, item := range out.Items {
			pk, err := strAttr(item, "PK")
			if err != nil {
				return reset, fmt.Errorf("store: ResetUsage decode: %w", err)
			}
			_, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:        aws.String(d.tableName),
				Key:              key(pk, skMeta),
				UpdateExpression: aws.String("SET messagesUsed = :zero"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":zero": numAttr(0),
				},
			})
			if err != nil {
				return reset, fmt.Errorf("store: ResetUsage update %s: %w", pk, err)
			}
			reset++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return reset, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (d *DynamoStore) queryPrefix(ctx context.Context, pk, prefix string) ([]map[string]types.AttributeValue, error) {
	var (
		items []map[string]types.AttributeValue
		start map[string]types.AttributeValue
	)
	for {
		out, err := d.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = out.LastEvaluatedKey
	}
}

func itemToChatbot(item map[string]types.AttributeValue) (*Chatbot, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return nil, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return nil, err
	}
	used, err := intAttr(item, "messagesUsed")
	if err != nil {
		return nil, err
	}
	limit, err := intAttr(item, "messagesLimitPerDay")
	if err != nil {
		return nil, err
	}
	profile, _ := strAttr(item, "profileId")
	company, _ := strAttr(item, "companyName")
	guidelines, _ := strAttr(item, "guidelines")
	length, _ := strAttr(item, "responseLength")
	tier, _ := strAttr(item, "modelTier")
	filesMsg, _ := strAttr(item, "filesNotUploadedMessage")
	limitMsg, _ := strAttr(item, "messagesLimitWarningMessage")
	created, _ := timeAttr(item, "createdAt")

	return &Chatbot{
		ID:                          strings.TrimPrefix(pk, "BOT#"),
		ProfileID:                   profile,
		Name:                        name,
		CompanyName:                 company,
		Guidelines:                  guidelines,
		ResponseLength:              ResponseLength(length),
		ModelTier:                   ModelTier(tier),
		MessagesUsed:                used,
		MessagesLimitPerDay:         limit,
		FilesNotUploadedMessage:     filesMsg,
		MessagesLimitWarningMessage: limitMsg,
		CreatedAt:                   created,
	}, nil
}

func messageItem(msg Message) map[string]types.AttributeValue {
	item := key(sessPK(msg.SessionID), msgSK(msg.CreatedAt, msg.Seq))
	item["id"] = &types.AttributeValueMemberS{Value: msg.ID}
	item["chatbotId"] = &types.AttributeValueMemberS{Value: msg.ChatbotID}
	item["role"] = &types.AttributeValueMemberS{Value: string(msg.Role)}
	item["content"] = &types.AttributeValueMemberS{Value: msg.Content}
	item["createdAt"] = &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)}
	item["seq"] = numAttr(msg.Seq)
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return Message{}, err
	}
	id, _ := strAttr(item, "id")
	chatbotID, _ := strAttr(item, "chatbotId")
	created, _ := timeAttr(item, "createdAt")
	seq, _ := intAttr(item, "seq")
	return Message{
		ID:        id,
		ChatbotID: chatbotID,
		Role:      Role(role),
		Content:   content,
		CreatedAt: created,
		Seq:       seq,
	}, nil
}

func numAttr(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("store: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
