// Package dynamo persists command ledger entries to a DynamoDB table keyed by
// command_id.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"fleetconsole/internal/ledger"
)

// retention applied to every item through the table's TTL attribute.
const retention = 30 * 24 * time.Hour

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type CommandStore struct {
	Client    API
	TableName string
}

// Item is the stored shape of one command.
type Item struct {
	CommandID  string `dynamodbav:"command_id"`
	DeviceID   string `dynamodbav:"device_id"`
	Kind       string `dynamodbav:"kind"`
	Params     string `dynamodbav:"params,omitempty"`
	OperatorID string `dynamodbav:"operator_id"`
	State      string `dynamodbav:"state"`
	Rank       int    `dynamodbav:"rank"`
	Result     string `dynamodbav:"result,omitempty"`
	Reason     string `dynamodbav:"reason,omitempty"`
	Detail     string `dynamodbav:"detail,omitempty"`
	History    string `dynamodbav:"history"`
	CreatedAt  int64  `dynamodbav:"created_at"`
	UpdatedAt  int64  `dynamodbav:"updated_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

func NewCommandStore(ctx context.Context, table, region string) (*CommandStore, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb table name is not set")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &CommandStore{Client: dynamodb.NewFromConfig(cfg), TableName: table}, nil
}

func ToItem(e ledger.Entry) (Item, error) {
	hist, err := json.Marshal(e.History)
	if err != nil {
		return Item{}, err
	}
	return Item{
		CommandID:  e.ID,
		DeviceID:   e.DeviceID,
		Kind:       e.Kind,
		Params:     string(e.Params),
		OperatorID: e.OperatorID,
		State:      string(e.State),
		Rank:       e.State.Rank(),
		Result:     string(e.Result),
		Reason:     string(e.Reason),
		Detail:     e.Detail,
		History:    string(hist),
		CreatedAt:  e.CreatedAt.UnixMilli(),
		UpdatedAt:  e.UpdatedAt.UnixMilli(),
		ExpiresAt:  e.CreatedAt.Add(retention).Unix(),
	}, nil
}

func (it Item) Entry() (ledger.Entry, error) {
	e := ledger.Entry{
		ID:         it.CommandID,
		DeviceID:   it.DeviceID,
		Kind:       it.Kind,
		OperatorID: it.OperatorID,
		State:      ledger.State(it.State),
		Reason:     ledger.Reason(it.Reason),
		Detail:     it.Detail,
		CreatedAt:  time.UnixMilli(it.CreatedAt).UTC(),
		UpdatedAt:  time.UnixMilli(it.UpdatedAt).UTC(),
	}
	if it.Params != "" {
		e.Params = json.RawMessage(it.Params)
	}
	if it.Result != "" {
		e.Result = json.RawMessage(it.Result)
	}
	if it.History != "" {
		if err := json.Unmarshal([]byte(it.History), &e.History); err != nil {
			return ledger.Entry{}, err
		}
	}
	return e, nil
}

// Record writes the entry unless the stored item is already further along,
// so a delayed write can never roll a command back.
func (s *CommandStore) Record(ctx context.Context, e ledger.Entry) error {
	it, err := ToItem(e)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	rank, err := attributevalue.Marshal(it.Rank)
	if err != nil {
		return err
	}
	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.TableName),
		Item:                      item,
		ConditionExpression:       aws.String("attribute_not_exists(command_id) OR #rank <= :rank"),
		ExpressionAttributeNames:  map[string]string{"#rank": "rank"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":rank": rank},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("failed to store command in dynamodb: %w", err)
	}
	return nil
}

// LoadCommands scans the whole table.
func (s *CommandStore) LoadCommands(ctx context.Context) ([]ledger.Entry, error) {
	var (
		out   []ledger.Entry
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.TableName),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan commands: %w", err)
		}
		var items []Item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			e, err := it.Entry()
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}
