package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stephnangue/wearlink/config"
	log "github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
)

var _ physical.Backend = (*DynamoDBBackend)(nil)

const (
	defaultTable = "wearlink-kv"

	attrKey     = "key"
	attrValue   = "value"
	attrVersion = "version"
)

// API is the subset of the DynamoDB client used by the backend.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBBackend stores one item per key. Conditional writes use a
// ConditionExpression on the version attribute.
type DynamoDBBackend struct {
	client API
	table  string
	logger log.Logger
}

// NewDynamoDBBackend builds a client from the default AWS credential chain.
// Options: table, region, endpoint, access_key, secret_key, session_token,
// create_table.
func NewDynamoDBBackend(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := config.GetString(conf, "region", ""); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if ak := config.GetString(conf, "access_key", ""); ak != "" {
		provider := credentials.NewStaticCredentialsProvider(ak, conf["secret_key"], conf["session_token"])
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(provider))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	endpoint := config.GetString(conf, "endpoint", "")
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	b := New(client, config.GetString(conf, "table", defaultTable), logger)
	if config.GetBool(conf, "create_table", false) {
		if err := b.createTable(ctx, client); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// New wraps an existing client.
func New(client API, table string, logger log.Logger) *DynamoDBBackend {
	return &DynamoDBBackend{client: client, table: table, logger: logger}
}

func (d *DynamoDBBackend) createTable(ctx context.Context, client *dynamodb.Client) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("failed to create table %s: %w", d.table, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("table %s not ready: %w", d.table, err)
	}
	d.logger.Info("dynamodb table ready", log.String("table", d.table))
	return nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}}
}

func (d *DynamoDBBackend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrap("get", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	value, ok := out.Item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("item %q has no binary value", key)
	}
	versionAttr, ok := out.Item[attrVersion].(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("item %q has no version", key)
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt version for %q: %w", key, err)
	}
	return &physical.Entry{Key: key, Value: value.Value, Version: version}, nil
}

func (d *DynamoDBBackend) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	next := expectedVersion + 1
	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			attrKey:     &types.AttributeValueMemberS{Value: key},
			attrValue:   &types.AttributeValueMemberB{Value: value},
			attrVersion: &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
		},
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(#k)")
		input.ExpressionAttributeNames = map[string]string{"#k": attrKey}
	} else {
		input.ConditionExpression = aws.String("#v = :expected")
		input.ExpressionAttributeNames = map[string]string{"#v": attrVersion}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatUint(expectedVersion, 10)},
		}
	}

	if _, err := d.client.PutItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return 0, physical.ErrVersionConflict
		}
		return 0, wrap("put", err)
	}
	return next, nil
}

func (d *DynamoDBBackend) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       keyAttr(key),
	})
	if err != nil {
		return wrap("delete", err)
	}
	return nil
}

// List scans the table for keys beginning with prefix. Scans are only used
// by the admin listing path, never on request hot paths.
func (d *DynamoDBBackend) List(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(d.table),
		ProjectionExpression:     aws.String("#k"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey},
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(#k, :p)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	var keys []string
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrap("list", err)
		}
		for _, item := range page.Items {
			if k, ok := item[attrKey].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
	}
	return physical.FilterKeys(keys, prefix, after, limit), nil
}

func (d *DynamoDBBackend) Close() error {
	return nil
}

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return physical.Unavailable(op, err)
}
