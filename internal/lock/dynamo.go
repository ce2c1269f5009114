package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PutItemAPI is the part of the dynamodb client the locker uses.
type PutItemAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type lockItem struct {
	PK        string `dynamodbav:"pk"`
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
	TTL       int64  `dynamodbav:"ttl"`
}

// DynamoLocker takes locks with a conditional PutItem. The table is keyed
// by "pk"; "ttl" holds epoch seconds for dynamodb's own expiry sweep.
type DynamoLocker struct {
	db    PutItemAPI
	table string
	owner string
	now   func() time.Time
}

// NewDynamoLocker creates a dynamodb locker.
func NewDynamoLocker(db PutItemAPI, table, owner string) *DynamoLocker {
	return &DynamoLocker{db: db, table: table, owner: owner, now: time.Now}
}

// NewDynamoClient loads the default AWS config. A non-empty endpoint
// overrides the service endpoint (dynamodb-local).
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Acquire implements Locker.
func (l *DynamoLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now()
	exp := now.Add(ttl)
	item, err := attributevalue.MarshalMap(lockItem{
		PK:        key,
		Owner:     l.owner,
		ExpiresAt: exp.UnixMilli(),
		TTL:       exp.Unix(),
	})
	if err != nil {
		return false, err
	}

	_, err = l.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expiresAt <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return false, nil
		}
		return false, fmt.Errorf("dynamo lock: %w", err)
	}
	return true, nil
}

// Backend implements Locker.
func (l *DynamoLocker) Backend() string { return "dynamodb" }
