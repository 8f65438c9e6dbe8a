package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	dynamoMarkerSK  = "#generation"
	dynamoBatchSize = 25

	// DynamoDB 单条 item 上限 400 KB，预留键与其他属性的空间。
	dynamoMaxPayload = 390 * 1024
)

// DynamoAPI 是 DynamoDB 后端依赖的客户端方法集合，*dynamodb.Client 满足该接口。
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoConfig 描述 DynamoDB 后端所用的表。
type DynamoConfig struct {
	Table string
}

// ValidationError 表示后端构造参数不合法。
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "invalid cache backend configuration: " + e.Reason
}

// dynamoItem 是表中的一行：pk=<scope>#<generation>，sk 为缓存键或代际标记。
type dynamoItem struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	Scope      string `dynamodbav:"scope"`
	Generation string `dynamodbav:"generation"`
	Payload    []byte `dynamodbav:"payload,omitempty"`
	UpdatedAt  int64  `dynamodbav:"updated_at"`
}

type dynamoBackend struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoBackend 基于已有客户端构建后端，表需已存在（见 OpenDynamo）。
func NewDynamoBackend(client DynamoAPI, cfg DynamoConfig) (Backend, error) {
	if client == nil {
		return nil, ValidationError{Reason: "nil client"}
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, ValidationError{Reason: "table name required"}
	}
	return &dynamoBackend{client: client, table: cfg.Table, now: time.Now}, nil
}

// OpenDynamo 使用默认凭证链创建客户端，必要时按需计费模式建表。
func OpenDynamo(ctx context.Context, table, region, endpoint string) (Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	if err := ensureDynamoTable(ctx, client, table); err != nil {
		return nil, err
	}
	return NewDynamoBackend(client, DynamoConfig{Table: table})
}

func ensureDynamoTable(ctx context.Context, client DynamoAPI, table string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", table, err)
	}
	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table %s: %w", table, err)
	}
	return nil
}

func (b *dynamoBackend) Namespace(scope string) Store {
	return &dynamoStore{backend: b, scope: scope}
}

func (b *dynamoBackend) Close() error { return nil }

type dynamoStore struct {
	backend *dynamoBackend
	scope   string
}

type dynamoGeneration struct {
	store *dynamoStore
	name  string
}

func (s *dynamoStore) partition(generation string) string {
	return s.scope + "#" + generation
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *dynamoStore) Open(ctx context.Context, generation string) (Generation, error) {
	if err := validateGenerationName(generation); err != nil {
		return nil, err
	}
	b := s.backend
	av, err := attributevalue.MarshalMap(dynamoItem{
		PK:         s.partition(generation),
		SK:         dynamoMarkerSK,
		Scope:      s.scope,
		Generation: generation,
		UpdatedAt:  b.now().UTC().Unix(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(b.table), Item: av}); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", generation, err)
	}
	return &dynamoGeneration{store: s, name: generation}, nil
}

func (s *dynamoStore) ListGenerations(ctx context.Context) ([]string, error) {
	b := s.backend
	paginator := dynamodb.NewScanPaginator(b.client, &dynamodb.ScanInput{
		TableName:        aws.String(b.table),
		FilterExpression: aws.String("sk = :marker AND #scope = :scope"),
		ExpressionAttributeNames: map[string]string{
			"#scope": "scope",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":marker": &types.AttributeValueMemberS{Value: dynamoMarkerSK},
			":scope":  &types.AttributeValueMemberS{Value: s.scope},
		},
	})
	names := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan generations: %w", err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.SK != dynamoMarkerSK || item.Scope != s.scope {
				continue
			}
			names = append(names, item.Generation)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *dynamoStore) Delete(ctx context.Context, generation string) (bool, error) {
	b := s.backend
	pk := s.partition(generation)
	// 先移除标记，使并发 Put 的条件检查失败，再清理条目。
	out, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(b.table),
		Key:          itemKey(pk, dynamoMarkerSK),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", generation, err)
	}
	existed := len(out.Attributes) > 0

	sks, err := s.sortKeys(ctx, pk)
	if err != nil {
		return existed, err
	}
	for start := 0; start < len(sks); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(sks))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, sk := range sks[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: itemKey(pk, sk)},
			})
		}
		if err := b.batchWrite(ctx, requests); err != nil {
			return existed, fmt.Errorf("purge generation %s: %w", generation, err)
		}
	}
	return existed, nil
}

func (b *dynamoBackend) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{b.table: requests}
	for attempt := 0; len(pending[b.table]) > 0; attempt++ {
		if attempt >= 5 {
			return fmt.Errorf("%d items left unprocessed", len(pending[b.table]))
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		out, err := b.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		pending = out.UnprocessedItems
		if pending == nil {
			return nil
		}
	}
	return nil
}

func (s *dynamoStore) sortKeys(ctx context.Context, pk string) ([]string, error) {
	b := s.backend
	paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ProjectionExpression:   aws.String("sk"),
		ConsistentRead:         aws.Bool(true),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	})
	sks := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", pk, err)
		}
		for _, raw := range page.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, err
			}
			sks = append(sks, item.SK)
		}
	}
	return sks, nil
}

func (g *dynamoGeneration) Name() string { return g.name }

func (g *dynamoGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	b := g.store.backend
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            itemKey(g.store.partition(g.name), key.String()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, err
	}
	return DecodeResponse(item.Payload)
}

func (g *dynamoGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if len(payload) > dynamoMaxPayload {
		return fmt.Errorf("%w: %s is %d bytes, dynamodb allows %d", ErrEntryTooLarge, key, len(payload), dynamoMaxPayload)
	}
	b := g.store.backend
	pk := g.store.partition(g.name)
	av, err := attributevalue.MarshalMap(dynamoItem{
		PK:         pk,
		SK:         key.String(),
		Scope:      g.store.scope,
		Generation: g.name,
		Payload:    payload,
		UpdatedAt:  b.now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	_, err = b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(b.table),
				Key:                 itemKey(pk, dynamoMarkerSK),
				ConditionExpression: aws.String("attribute_exists(pk)"),
			}},
			{Put: &types.Put{TableName: aws.String(b.table), Item: av}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && len(canceled.CancellationReasons) > 0 &&
			aws.ToString(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
			return ErrGenerationMissing
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (g *dynamoGeneration) Keys(ctx context.Context) ([]Key, error) {
	sks, err := g.store.sortKeys(ctx, g.store.partition(g.name))
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(sks))
	for _, sk := range sks {
		if sk == dynamoMarkerSK {
			continue
		}
		method, target, ok := strings.Cut(sk, " ")
		if !ok {
			continue
		}
		keys = append(keys, Key{Method: method, URL: target})
	}
	sortKeys(keys)
	return keys, nil
}
