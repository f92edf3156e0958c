package triggerlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/conversion-monitor/internal/config"
)

// entryTTL keeps the table from accumulating keys for conditions that
// resolved long ago. Well past any cooldown, so expiry never un-suppresses
// an active condition early.
const entryTTL = 90 * 24 * time.Hour

// dynamoAPI is the slice of the DynamoDB client the log uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// item is one trigger-log row. LastTriggeredAt is epoch nanoseconds so the
// conditional write compares numerically.
type item struct {
	TriggerKey      string `dynamodbav:"TriggerKey"`
	LastTriggeredAt int64  `dynamodbav:"LastTriggeredAt"`
	TTL             int64  `dynamodbav:"TTL,omitempty"`
}

// DynamoLog implements Log on a DynamoDB table with TriggerKey as the
// partition key.
type DynamoLog struct {
	client    dynamoAPI
	tableName string
}

// NewDynamoLog creates a trigger log backed by DynamoDB.
func NewDynamoLog(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoLog, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &DynamoLog{
		client:    dynamodb.NewFromConfig(awsCfg, clientOpts...),
		tableName: cfg.TableName,
	}, nil
}

// newDynamoLogWithClient wires a custom client (tests).
func newDynamoLogWithClient(client dynamoAPI, tableName string) *DynamoLog {
	return &DynamoLog{client: client, tableName: tableName}
}

// EnsureTable creates the trigger-log table and enables TTL expiry on it.
// Run once from cmd/migrate; an already-existing table is not an error.
func EnsureTable(ctx context.Context, cfg config.DynamoDBConfig) error {
	log, err := NewDynamoLog(ctx, cfg)
	if err != nil {
		return err
	}
	client, ok := log.client.(*dynamodb.Client)
	if !ok {
		return fmt.Errorf("trigger log client does not support table management")
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(cfg.TableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("TriggerKey"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("TriggerKey"), KeyType: types.KeyTypeHash},
		},
	})
	if err != nil {
		var exists *types.ResourceInUseException
		if !errors.As(err, &exists) {
			return fmt.Errorf("creating trigger log table %s: %w", cfg.TableName, err)
		}
		return nil
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.TableName)}, 2*time.Minute); err != nil {
		return fmt.Errorf("waiting for trigger log table %s: %w", cfg.TableName, err)
	}

	_, err = client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(cfg.TableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("TTL"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enabling ttl on trigger log table %s: %w", cfg.TableName, err)
	}
	return nil
}

// Get returns the last time the key fired.
func (l *DynamoLog) Get(ctx context.Context, key string) (time.Time, bool, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"TriggerKey": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("getting trigger log entry %s: %w", key, err)
	}
	if out.Item == nil {
		return time.Time{}, false, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return time.Time{}, false, fmt.Errorf("unmarshaling trigger log entry %s: %w", key, err)
	}
	return time.Unix(0, it.LastTriggeredAt).UTC(), true, nil
}

// PutIfNewer conditionally records ts for the key. A conditional check
// failure means a newer timestamp is already stored, which is the state we
// wanted: overlapping dispatches for one key settle on the later value.
func (l *DynamoLog) PutIfNewer(ctx context.Context, key string, ts time.Time) error {
	it := item{
		TriggerKey:      key,
		LastTriggeredAt: ts.UTC().UnixNano(),
		TTL:             ts.Add(entryTTL).Unix(),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshaling trigger log entry %s: %w", key, err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(TriggerKey) OR LastTriggeredAt < :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", it.LastTriggeredAt)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("putting trigger log entry %s: %w", key, err)
	}
	return nil
}
