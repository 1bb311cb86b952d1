package keystore

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
)

const (
	skRecord = "REC#"

	attrValue   = "value"
	attrItems   = "items"
	attrTTL     = "ttl"
	attrCreated = "createdAt"
)

// dynamodbAPI is the minimal DynamoDB interface required by Dynamo.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Dynamo stores every key as one item (PK=key, SK=REC#) in a single table.
// Expiry uses the table's TTL attribute; because DynamoDB deletes expired
// items lazily, reads treat an item whose ttl has passed as absent.
type Dynamo struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ Store = (*Dynamo)(nil)

// NewDynamo creates a Dynamo store over the given table.
func NewDynamo(api dynamodbAPI, tableName string) (*Dynamo, error) {
	if api == nil {
		return nil, errors.New("keystore: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("keystore: table name must not be empty")
	}
	return &Dynamo{api: api, tableName: tableName, now: time.Now}, nil
}

func recordKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
		"SK": &types.AttributeValueMemberS{Value: skRecord},
	}
}

func (d *Dynamo) Get(ctx context.Context, key string) (string, error) {
	item, err := d.getItem(ctx, key)
	if err != nil {
		return "", fmt.Errorf("keystore: Get: %w", err)
	}
	if item == nil {
		return "", ErrNotFound
	}
	v, err := strAttr(item, attrValue)
	if err != nil {
		return "", fmt.Errorf("keystore: Get %q: %w", key, err)
	}
	return v, nil
}

func (d *Dynamo) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      d.valueItem(key, value, ttl),
	})
	if err != nil {
		return fmt.Errorf("keystore: Set: %w", err)
	}
	return nil
}

func (d *Dynamo) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                d.valueItem(key, value, ttl),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numAttr(d.now().Unix()),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keystore: SetNX: %w", err)
	}
	return true, nil
}

func (d *Dynamo) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.tableName),
			Key:       recordKey(key),
		})
		if err != nil {
			return fmt.Errorf("keystore: Delete %q: %w", key, err)
		}
	}
	return nil
}

func (d *Dynamo) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 recordKey(key),
		ConditionExpression: aws.String("#v = :v"),
		ExpressionAttributeNames: map[string]string{
			"#v": attrValue,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keystore: DeleteIfValue: %w", err)
	}
	return true, nil
}

// Append uses list_append in a single UpdateItem so concurrent appends from
// any number of instances keep their arrival order.
func (d *Dynamo) Append(ctx context.Context, key, value string) (int, error) {
	out, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              recordKey(key),
		UpdateExpression: aws.String("SET #items = list_append(if_not_exists(#items, :empty), :new), #created = if_not_exists(#created, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#items":   attrItems,
			"#created": attrCreated,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":new": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberS{Value: value},
			}},
			":now": numAttr(d.now().UnixMilli()),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("keystore: Append: %w", err)
	}
	if out == nil {
		return 0, nil
	}
	items, _ := out.Attributes[attrItems].(*types.AttributeValueMemberL)
	if items == nil {
		return 0, nil
	}
	return len(items.Value), nil
}

func (d *Dynamo) Range(ctx context.Context, key string) ([]string, error) {
	item, err := d.getItem(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("keystore: Range: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	list, ok := item[attrItems].(*types.AttributeValueMemberL)
	if !ok {
		return nil, nil
	}
	values := make([]string, 0, len(list.Value))
	for i, av := range list.Value {
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("keystore: Range %q: element %d is not a string", key, i)
		}
		values = append(values, s.Value)
	}
	return values, nil
}

// ScanPrefix walks the whole table. It is meant for the periodic recovery
// sweep, not for request paths.
func (d *Dynamo) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	var (
		entries []Entry
		start   map[string]types.AttributeValue
	)
	for {
		out, err := d.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(d.tableName),
			FilterExpression: aws.String("begins_with(PK, :prefix) AND SK = :sk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: prefix},
				":sk":     &types.AttributeValueMemberS{Value: skRecord},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("keystore: ScanPrefix: %w", err)
		}
		for _, item := range out.Items {
			if d.expired(item) {
				continue
			}
			pk, err := strAttr(item, "PK")
			if err != nil {
				return nil, fmt.Errorf("keystore: ScanPrefix: %w", err)
			}
			entry := Entry{Key: pk}
			if ms, err := int64Attr(item, attrCreated); err == nil {
				entry.CreatedAt = time.UnixMilli(ms)
			}
			entries = append(entries, entry)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return entries, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (d *Dynamo) getItem(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            recordKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 || d.expired(out.Item) {
		return nil, nil
	}
	return out.Item, nil
}

func (d *Dynamo) expired(item map[string]types.AttributeValue) bool {
	ttl, err := int64Attr(item, attrTTL)
	if err != nil {
		return false
	}
	return ttl <= d.now().Unix()
}

func (d *Dynamo) valueItem(key, value string, ttl time.Duration) map[string]types.AttributeValue {
	now := d.now()
	item := recordKey(key)
	item[attrValue] = &types.AttributeValueMemberS{Value: value}
	item[attrCreated] = numAttr(now.UnixMilli())
	if exp := expiryUnix(now, ttl); exp > 0 {
		item[attrTTL] = numAttr(exp)
	}
	return item
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
