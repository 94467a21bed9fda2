package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore reads dynamic configuration from a DynamoDB table with
// partition key "scope" and sort key "key". Values live in a string
// attribute "value"; "updated_at" carries an RFC 3339 timestamp.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore creates a DynamoDB-backed configuration store
func NewDynamoStore(ctx context.Context, cfg AWSConfig) (*DynamoStore, error) {
	if cfg.ConfigTable == "" {
		return nil, fmt.Errorf("config table name must not be empty")
	}

	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials (localstack or explicit keys)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars, etc.)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &DynamoStore{client: client, table: cfg.ConfigTable}, nil
}

// NewDynamoStoreWithClient wires an existing client, used by tests
func NewDynamoStoreWithClient(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// Query returns every entry under the given scope, following pagination
func (s *DynamoStore) Query(ctx context.Context, scope string) ([]Entry, error) {
	var entries []Entry
	var startKey map[string]types.AttributeValue

	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#s = :scope"),
			ExpressionAttributeNames: map[string]string{
				"#s": "scope",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":scope": &types.AttributeValueMemberS{Value: scope},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("config store query failed for scope %q: %w", scope, err)
		}

		for _, item := range out.Items {
			entry, ok := parseItem(scope, item)
			if !ok {
				continue // malformed item, skip rather than fail the refresh
			}
			entries = append(entries, entry)
		}

		if out.LastEvaluatedKey == nil || len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return entries, nil
}

func parseItem(scope string, item map[string]types.AttributeValue) (Entry, bool) {
	key, ok := stringAttr(item, "key")
	if !ok || key == "" {
		return Entry{}, false
	}
	value, ok := stringAttr(item, "value")
	if !ok {
		return Entry{}, false
	}

	entry := Entry{Scope: scope, Key: key, Value: value}
	if raw, ok := stringAttr(item, "updated_at"); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			entry.UpdatedAt = ts
		}
	}
	return entry, true
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	attr, ok := item[name]
	if !ok {
		return "", false
	}
	s, ok := attr.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}
