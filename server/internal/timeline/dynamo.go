package timeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

const (
	skPrefixTurn = "TURN#"
	// BatchWriteItem 单次最多 25 条。
	dynamoBatchSize = 25
)

// dynamodbAPI 是 DynamoStore 需要的最小 DynamoDB 接口，便于测试替换。
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore 把已提交轮次归档到 DynamoDB 单表（PK=CONV#id, SK=TURN#seq）。
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoStore 创建 DynamoDB 归档。
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("timeline: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("timeline: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// turnSK 左补零，保证按字典序排序即按 seq 排序。
func turnSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skPrefixTurn, seq)
}

func (s *DynamoStore) Append(ctx context.Context, turn *model.Turn) (int64, error) {
	pk := convPK(turn.ConversationID)

	got, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: turnSK(turn.Seq)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("timeline: Append get item: %w", err)
	}
	if got != nil && len(got.Item) > 0 {
		existingID, _ := strAttr(got.Item, "turnId")
		if existingID == turn.ID {
			return turn.Seq, nil
		}
		return 0, fmt.Errorf("%w: conversation %s seq %d already taken", ErrOutOfOrder, turn.ConversationID, turn.Seq)
	}

	last, err := s.lastSeq(ctx, pk)
	if err != nil {
		return 0, err
	}
	if turn.Seq != last+1 {
		return 0, fmt.Errorf("%w: conversation %s expected seq %d, got %d", ErrOutOfOrder, turn.ConversationID, last+1, turn.Seq)
	}

	item, err := turnItem(turn)
	if err != nil {
		return 0, fmt.Errorf("timeline: Append encode: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, fmt.Errorf("%w: conversation %s seq %d written concurrently", ErrOutOfOrder, turn.ConversationID, turn.Seq)
		}
		return 0, fmt.Errorf("timeline: Append put item: %w", err)
	}
	return turn.Seq, nil
}

func (s *DynamoStore) lastSeq(ctx context.Context, pk string) (int64, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("timeline: last seq query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return 0, nil
	}
	seq, err := intAttr(out.Items[0], "seq")
	if err != nil {
		return 0, fmt.Errorf("timeline: last seq decode: %w", err)
	}
	return seq, nil
}

func (s *DynamoStore) List(ctx context.Context, conversationID string) ([]model.Turn, error) {
	var (
		out      []model.Turn
		startKey map[string]types.AttributeValue
	)
	for {
		page, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("timeline: List query: %w", err)
		}
		for _, item := range page.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("timeline: List decode: %w", err)
			}
			out = append(out, turn)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	return out, nil
}

// Conversations 扫描每个对话的第一轮（seq=1）。序号无空洞，所以每个对话恰好出现一次。
func (s *DynamoStore) Conversations(ctx context.Context) ([]string, error) {
	var (
		ids      []string
		startKey map[string]types.AttributeValue
	)
	for {
		page, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("SK = :first"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":first": &types.AttributeValueMemberS{Value: turnSK(1)},
			},
			ProjectionExpression: aws.String("conversationId"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("timeline: Conversations scan: %w", err)
		}
		for _, item := range page.Items {
			id, err := strAttr(item, "conversationId")
			if err != nil {
				return nil, fmt.Errorf("timeline: Conversations decode: %w", err)
			}
			ids = append(ids, id)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	return ids, nil
}

func (s *DynamoStore) Delete(ctx context.Context, conversationID string) error {
	turns, err := s.List(ctx, conversationID)
	if err != nil {
		return err
	}
	pk := convPK(conversationID)
	for start := 0; start < len(turns); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(turns))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, t := range turns[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: turnSK(t.Seq)},
					},
				},
			})
		}
		pending := map[string][]types.WriteRequest{s.tableName: reqs}
		// 未处理的条目继续重提，直到全部删除或出错。
		for len(pending) > 0 && len(pending[s.tableName]) > 0 {
			out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("timeline: Delete batch write: %w", err)
			}
			if out == nil {
				break
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func turnItem(turn *model.Turn) (map[string]types.AttributeValue, error) {
	contextJSON, err := encodeJSONMap(turn.Context)
	if err != nil {
		return nil, err
	}
	metadataJSON, err := encodeJSONMap(turn.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(turn.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(turn.Seq)},
		"conversationId": &types.AttributeValueMemberS{Value: turn.ConversationID},
		"turnId":         &types.AttributeValueMemberS{Value: turn.ID},
		"seq":            &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.Seq, 10)},
		"speaker":        &types.AttributeValueMemberS{Value: turn.Speaker},
		"prompt":         &types.AttributeValueMemberS{Value: turn.Prompt},
		"context":        &types.AttributeValueMemberS{Value: contextJSON},
		"utterance":      &types.AttributeValueMemberS{Value: turn.Utterance},
		"action":         &types.AttributeValueMemberS{Value: string(turn.Action)},
		"metadata":       &types.AttributeValueMemberS{Value: metadataJSON},
		"retries":        &types.AttributeValueMemberN{Value: strconv.Itoa(turn.Retries)},
		"createdAt":      &types.AttributeValueMemberN{Value: strconv.FormatInt(toMillis(turn.CreatedAt), 10)},
		"resolvedAt":     &types.AttributeValueMemberN{Value: strconv.FormatInt(toMillis(turn.ResolvedAt), 10)},
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (model.Turn, error) {
	var (
		turn model.Turn
		err  error
	)
	if turn.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return model.Turn{}, err
	}
	if turn.ID, err = strAttr(item, "turnId"); err != nil {
		return model.Turn{}, err
	}
	if turn.Seq, err = intAttr(item, "seq"); err != nil {
		return model.Turn{}, err
	}
	turn.Speaker, _ = strAttr(item, "speaker")
	turn.Prompt, _ = strAttr(item, "prompt")
	turn.Utterance, _ = strAttr(item, "utterance")
	action, _ := strAttr(item, "action")
	turn.Action = model.NPCAction(action)

	contextJSON, _ := strAttr(item, "context")
	if turn.Context, err = decodeJSONMap(contextJSON); err != nil {
		return model.Turn{}, fmt.Errorf("context: %w", err)
	}
	metadataJSON, _ := strAttr(item, "metadata")
	if turn.Metadata, err = decodeJSONMap(metadataJSON); err != nil {
		return model.Turn{}, fmt.Errorf("metadata: %w", err)
	}
	retries, _ := intAttr(item, "retries")
	turn.Retries = int(retries)
	createdAt, _ := intAttr(item, "createdAt")
	resolvedAt, _ := intAttr(item, "resolvedAt")
	turn.CreatedAt = fromMillis(createdAt)
	turn.ResolvedAt = fromMillis(resolvedAt)
	turn.Status = model.TurnSucceeded
	return turn, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("timeline: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("timeline: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("timeline: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("timeline: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timeline: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
