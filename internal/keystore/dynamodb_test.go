package keystore

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateOut *dynamodb.UpdateItemOutput
	updateErr error
	deleteErr error
	scanOuts  []*dynamodb.ScanOutput
	scanErr   error

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	deleteInputs    []*dynamodb.DeleteItemInput
	scanInputs      []*dynamodb.ScanInput
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
	f.lastUpdateInput = in
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteInputs = append(f.deleteInputs, in)
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scanInputs = append(f.scanInputs, in)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	out := f.scanOuts[0]
	f.scanOuts = f.scanOuts[1:]
	return out, nil
}

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func mustNewDynamo(t *testing.T, db *fakeDynamo) *Dynamo {
	t.Helper()
	d, err := NewDynamo(db, "test-table")
	require.NoError(t, err)
	d.now = func() time.Time { return fixedNow }
	return d
}

func valueRecord(key, value string, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: key},
		"SK":      &types.AttributeValueMemberS{Value: skRecord},
		attrValue: &types.AttributeValueMemberS{Value: value},
	}
	if ttl > 0 {
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)}
	}
	return item
}

func TestNewDynamo_Validation(t *testing.T) {
	_, err := NewDynamo(nil, "t")
	require.ErrorContains(t, err, "must not be nil")

	_, err = NewDynamo(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestDynamoGet_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: valueRecord("k", "v", fixedNow.Unix()+10)}}
	d := mustNewDynamo(t, db)

	v, err := d.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "k", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoGet_Missing(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := d.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoGet_ExpiredButNotYetReaped(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: valueRecord("k", "v", fixedNow.Unix()-1)}})
	_, err := d.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoGet_Error(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := d.Get(context.Background(), "k")
	require.ErrorContains(t, err, "keystore: Get")
	require.ErrorContains(t, err, "boom")
}

func TestDynamoSet_WritesTTL(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)

	require.NoError(t, d.Set(context.Background(), "media:1", "payload", 3600*time.Second))
	item := db.lastPutInput.Item
	require.Equal(t, "payload", item[attrValue].(*types.AttributeValueMemberS).Value)
	require.Equal(t, strconv.FormatInt(fixedNow.Unix()+3600, 10), item[attrTTL].(*types.AttributeValueMemberN).Value)
	require.Nil(t, db.lastPutInput.ConditionExpression)
}

func TestDynamoSet_NoTTL(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)
	require.NoError(t, d.Set(context.Background(), "k", "v", 0))
	_, ok := db.lastPutInput.Item[attrTTL]
	require.False(t, ok)
}

func TestDynamoSetNX_Created(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)

	ok, err := d.SetNX(context.Background(), "message:timer:a:b:c", "123", 1500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "attribute_not_exists(PK) OR #ttl <= :now", *db.lastPutInput.ConditionExpression)
	require.Equal(t, attrTTL, db.lastPutInput.ExpressionAttributeNames["#ttl"])
	// ttl rounds up to whole seconds
	require.Equal(t, strconv.FormatInt(fixedNow.Unix()+2, 10), db.lastPutInput.Item[attrTTL].(*types.AttributeValueMemberN).Value)
}

func TestDynamoSetNX_AlreadyExists(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	d := mustNewDynamo(t, db)

	ok, err := d.SetNX(context.Background(), "k", "v", time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamoSetNX_Error(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{putErr: errors.New("throttled")})
	_, err := d.SetNX(context.Background(), "k", "v", time.Second)
	require.ErrorContains(t, err, "SetNX")
}

func TestDynamoDelete_EachKey(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)
	require.NoError(t, d.Delete(context.Background(), "a", "b"))
	require.Len(t, db.deleteInputs, 2)
	require.Equal(t, "b", db.deleteInputs[1].Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoDelete_Error(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{deleteErr: errors.New("boom")})
	err := d.Delete(context.Background(), "a")
	require.ErrorContains(t, err, `Delete "a"`)
}

func TestDynamoDeleteIfValue(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)
	ok, err := d.DeleteIfValue(context.Background(), "lock", "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "#v = :v", *db.deleteInputs[0].ConditionExpression)

	db.deleteErr = &types.ConditionalCheckFailedException{}
	ok, err = d.DeleteIfValue(context.Background(), "lock", "owner-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamoAppend(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		attrItems: &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "a"},
			&types.AttributeValueMemberS{Value: "b"},
		}},
	}}}
	d := mustNewDynamo(t, db)

	n, err := d.Append(context.Background(), "message:queue:a:b:c", "b")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Contains(t, *db.lastUpdateInput.UpdateExpression, "list_append(if_not_exists(#items, :empty), :new)")
	require.Equal(t, types.ReturnValueUpdatedNew, db.lastUpdateInput.ReturnValues)
}

func TestDynamoAppend_Error(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{updateErr: errors.New("boom")})
	_, err := d.Append(context.Background(), "q", "x")
	require.ErrorContains(t, err, "Append")
}

func TestDynamoRange_PreservesOrder(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "q"},
		attrItems: &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "1"},
			&types.AttributeValueMemberS{Value: "2"},
			&types.AttributeValueMemberS{Value: "3"},
		}},
	}
	d := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	vals, err := d.Range(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, vals)
}

func TestDynamoRange_Missing(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	vals, err := d.Range(context.Background(), "q")
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestDynamoRange_MalformedElement(t *testing.T) {
	item := map[string]types.AttributeValue{
		attrItems: &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberN{Value: "1"},
		}},
	}
	d := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := d.Range(context.Background(), "q")
	require.ErrorContains(t, err, "not a string")
}

func TestDynamoScanPrefix_Paginates(t *testing.T) {
	page1 := &dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{{
			"PK":        &types.AttributeValueMemberS{Value: "message:queue:a:b:c"},
			attrCreated: &types.AttributeValueMemberN{Value: strconv.FormatInt(fixedNow.UnixMilli(), 10)},
		}},
		LastEvaluatedKey: recordKey("message:queue:a:b:c"),
	}
	page2 := &dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{
			{"PK": &types.AttributeValueMemberS{Value: "message:queue:x:y:z"}},
			// expired record still present in the table
			valueRecord("message:queue:old:1:2", "", fixedNow.Unix()-5),
		},
	}
	db := &fakeDynamo{scanOuts: []*dynamodb.ScanOutput{page1, page2}}
	d := mustNewDynamo(t, db)

	entries, err := d.ScanPrefix(context.Background(), "message:queue:")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "message:queue:a:b:c", entries[0].Key)
	require.True(t, entries[0].CreatedAt.Equal(fixedNow))
	require.True(t, entries[1].CreatedAt.IsZero())
	require.Len(t, db.scanInputs, 2)
	require.Nil(t, db.scanInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.scanInputs[1].ExclusiveStartKey)
}

func TestDynamoScanPrefix_Error(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{scanErr: errors.New("boom")})
	_, err := d.ScanPrefix(context.Background(), "p")
	require.ErrorContains(t, err, "ScanPrefix")
}

func TestExpiryUnix(t *testing.T) {
	require.Equal(t, int64(0), expiryUnix(fixedNow, 0))
	require.Equal(t, fixedNow.Unix()+1, expiryUnix(fixedNow, time.Millisecond))
	require.Equal(t, fixedNow.Unix()+20, expiryUnix(fixedNow, 20*time.Second))
	require.Equal(t, fixedNow.Unix()+21, expiryUnix(fixedNow, 20*time.Second+time.Nanosecond))
	// sub-second clocks round the deadline, not the ttl
	require.Equal(t, fixedNow.Unix()+21, expiryUnix(fixedNow.Add(900*time.Millisecond), 20*time.Second))
}

func TestDynamoSetNX_SubSecondClockNeverExpiresEarly(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)
	written := fixedNow.Add(900 * time.Millisecond)
	d.now = func() time.Time { return written }

	ok, err := d.SetNX(context.Background(), "message:timer:a:b:c", "due", 20*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strconv.FormatInt(fixedNow.Unix()+21, 10), db.lastPutInput.Item[attrTTL].(*types.AttributeValueMemberN).Value)

	// 19.2s after the write the record is still inside its ttl.
	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	d.now = func() time.Time { return written.Add(19200 * time.Millisecond) }
	v, err := d.Get(context.Background(), "message:timer:a:b:c")
	require.NoError(t, err)
	require.Equal(t, "due", v)

	d.now = func() time.Time { return written.Add(20100 * time.Millisecond) }
	_, err = d.Get(context.Background(), "message:timer:a:b:c")
	require.ErrorIs(t, err, ErrNotFound)
}
