package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr error
	queryOuts []*dynamodb.QueryOutput
	scanOuts  []*dynamodb.ScanOutput
	txErr     error

	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	updates      []*dynamodb.UpdateItemInput
	queries      []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if len(f.scanOuts) == 0 {
		return &dynamodb.ScanOutput{}, nil
	}
	out := f.scanOuts[0]
	f.scanOuts = f.scanOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func chatbotItem(id string, used, limit int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                          &types.AttributeValueMemberS{Value: "BOT#" + id},
		"SK":                          &types.AttributeValueMemberS{Value: skMeta},
		"name":                        &types.AttributeValueMemberS{Value: "Sunny"},
		"companyName":                 &types.AttributeValueMemberS{Value: "Acme"},
		"responseLength":              &types.AttributeValueMemberS{Value: "short"},
		"modelTier":                   &types.AttributeValueMemberS{Value: "advanced"},
		"messagesUsed":                numAttr(used),
		"messagesLimitPerDay":         numAttr(limit),
		"messagesLimitWarningMessage": &types.AttributeValueMemberS{Value: "limit reached"},
	}
}

func mustNewDynamoStore(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "test-table")
	require.NoError(t, err)
	return s
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	require.Error(t, err)
	_, err = NewDynamoStore(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestDynamoGetChatbot(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: chatbotItem("b1", 2, 10)}}
	s := mustNewDynamoStore(t, db)

	bot, err := s.GetChatbot(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, "b1", bot.ID)
	require.Equal(t, TierAdvanced, bot.ModelTier)
	require.Equal(t, ResponseShort, bot.ResponseLength)
	require.Equal(t, 2, bot.MessagesUsed)
	require.Equal(t, 10, bot.MessagesLimitPerDay)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestDynamoGetChatbot_NotFound(t *testing.T) {
	s := mustNewDynamoStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := s.GetChatbot(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoFindFAQByQuestion_GuardsHashCollision(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"question": &types.AttributeValueMemberS{Value: "something else"},
		"answer":   &types.AttributeValueMemberS{Value: "x"},
	}}}
	s := mustNewDynamoStore(t, db)

	_, err := s.FindFAQByQuestion(context.Background(), "b1", "What is Tweet Finder?")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoCommitExchange_Transaction(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := s.CommitExchange(context.Background(), Exchange{ChatbotID: "b1", SessionID: "s1", Query: "hi", Answer: "Hello!", At: at})
	require.NoError(t, err)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 4)
	require.NotNil(t, items[0].Update)
	require.Equal(t, "attribute_exists(PK) AND messagesUsed < messagesLimitPerDay", aws.ToString(items[0].Update.ConditionExpression))
	require.NotNil(t, items[1].Update)
	require.Equal(t, "SESS#s1", items[1].Update.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(chatbotId) OR chatbotId = :bot", aws.ToString(items[1].Update.ConditionExpression))

	user := items[2].Put.Item
	assistant := items[3].Put.Item
	require.Equal(t, "user", user["role"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Hello!", assistant["content"].(*types.AttributeValueMemberS).Value)
	require.Less(t, user["SK"].(*types.AttributeValueMemberS).Value, assistant["SK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoCommitExchange_ConditionFailedIsQuotaExceeded(t *testing.T) {
	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{Item: chatbotItem("b1", 5, 5)},
		txErr: &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
		},
	}
	s := mustNewDynamoStore(t, db)

	err := s.CommitExchange(context.Background(), Exchange{ChatbotID: "b1", SessionID: "s1", Query: "hi", Answer: "a"})
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDynamoCommitExchange_SessionOwnedByAnotherChatbot(t *testing.T) {
	db := &fakeDynamo{
		txErr: &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{
				{Code: aws.String("None")},
				{Code: aws.String("ConditionalCheckFailed")},
			},
		},
	}
	s := mustNewDynamoStore(t, db)

	err := s.CommitExchange(context.Background(), Exchange{ChatbotID: "b1", SessionID: "shared", Query: "hi", Answer: "a"})
	require.ErrorIs(t, err, ErrSessionOwner)
	require.Nil(t, db.lastGetInput)
}

func TestDynamoAppendTurns_SessionOwnedByAnotherChatbot(t *testing.T) {
	db := &fakeDynamo{
		txErr: &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
		},
	}
	s := mustNewDynamoStore(t, db)

	err := s.AppendTurns(context.Background(), Exchange{ChatbotID: "b1", SessionID: "shared", Query: "hi", Answer: "a"})
	require.ErrorIs(t, err, ErrSessionOwner)
	require.Equal(t, "attribute_not_exists(chatbotId) OR chatbotId = :bot", aws.ToString(db.lastTxInput.TransactItems[0].Update.ConditionExpression))
}

func TestDynamoIncrementUsage_MissingChatbot(t *testing.T) {
	db := &fakeDynamo{
		getOut:    &dynamodb.GetItemOutput{},
		updateErr: &types.ConditionalCheckFailedException{},
	}
	s := mustNewDynamoStore(t, db)

	err := s.IncrementUsage(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoCommitExchange_OtherErrorsWrapped(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("boom")}
	s := mustNewDynamoStore(t, db)

	err := s.CommitExchange(context.Background(), Exchange{ChatbotID: "b1", SessionID: "s1"})
	require.ErrorContains(t, err, "CommitExchange")
	require.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestDynamoListMessages_PagesInOrder(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs := Exchange{ChatbotID: "b1", SessionID: "s1", Query: "q", Answer: "a", At: at}.Messages(newID)
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{messageItem(msgs[0])}, LastEvaluatedKey: key("SESS#s1", "x")},
		{Items: []map[string]types.AttributeValue{messageItem(msgs[1])}},
	}}
	s := mustNewDynamoStore(t, db)

	got, err := s.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, RoleUser, got[0].Role)
	require.Equal(t, RoleAssistant, got[1].Role)
	require.Len(t, db.queries, 2)
	require.NotNil(t, db.queries[1].ExclusiveStartKey)
}

func TestDynamoResetUsage(t *testing.T) {
	db := &fakeDynamo{scanOuts: []*dynamodb.ScanOutput{
		{Items: []map[string]types.AttributeValue{{"PK": &types.AttributeValueMemberS{Value: "BOT#a"}}}, LastEvaluatedKey: key("BOT#a", skMeta)},
		{Items: []map[string]types.AttributeValue{{"PK": &types.AttributeValueMemberS{Value: "BOT#b"}}}},
	}}
	s := mustNewDynamoStore(t, db)

	n, err := s.ResetUsage(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Len(t, db.updates, 2)
	require.Equal(t, "BOT#b", db.updates[1].Key["PK"].(*types.AttributeValueMemberS).Value)
}
