package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
)

const (
	// UserIndexName is the GSI keyed by owner_id with created_at as sort key.
	UserIndexName = "UserIndex"
	// StatusIndexName is the GSI keyed by status with created_at as sort key.
	StatusIndexName = "StatusIndex"

	awsMaxRetries = 3
)

// DynamoDBStore implements the MetadataStore interface using AWS DynamoDB
type DynamoDBStore struct {
	client    *dynamodb.DynamoDB
	tableName string
}

// DynamoDBImageItem represents an image record item in DynamoDB
type DynamoDBImageItem struct {
	ID              string                 `json:"image_id"`
	OwnerID         string                 `json:"owner_id"`
	Filename        string                 `json:"filename,omitempty"`
	ContentType     string                 `json:"content_type"`
	SizeBytes       int64                  `json:"size_bytes"`
	Width           int                    `json:"width,omitempty"`
	Height          int                    `json:"height,omitempty"`
	ObjectRef       string                 `json:"object_ref"`
	Tags            []string               `json:"tags,omitempty"`
	Description     string                 `json:"description,omitempty"`
	Attributes      map[string]interface{} `json:"custom_attributes,omitempty"`
	Status          string                 `json:"status"`
	CreatedAt       int64                  `json:"created_at"`
	UpdatedAt       int64                  `json:"updated_at"`
	StatusUpdatedAt int64                  `json:"status_updated_at"`
}

// NewDynamoDBStore creates a new DynamoDB metadata store. A non-empty
// endpoint redirects the client to a local stack with static test
// credentials.
func NewDynamoDBStore(region, tableName, endpoint string) (*DynamoDBStore, error) {
	if tableName == "" {
		return nil, fmt.Errorf("DynamoDB table name is required")
	}

	cfg := aws.NewConfig().WithRegion(region).WithMaxRetries(awsMaxRetries)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).
			WithCredentials(credentials.NewStaticCredentials("test", "test", ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return &DynamoDBStore{
		client:    dynamodb.New(sess),
		tableName: tableName,
	}, nil
}

// newDynamoImageItem converts a Record to its DynamoDB item form.
func newDynamoImageItem(record *Record) *DynamoDBImageItem {
	return &DynamoDBImageItem{
		ID:              record.ID,
		OwnerID:         record.OwnerID,
		Filename:        record.Filename,
		ContentType:     record.ContentType,
		SizeBytes:       record.SizeBytes,
		Width:           record.Width,
		Height:          record.Height,
		ObjectRef:       record.ObjectRef,
		Tags:            record.Tags,
		Description:     record.Description,
		Attributes:      record.Attributes,
		Status:          string(record.Status),
		CreatedAt:       record.CreatedAt.UnixNano(),
		UpdatedAt:       record.UpdatedAt.UnixNano(),
		StatusUpdatedAt: record.StatusUpdatedAt.UnixNano(),
	}
}

// toRecord converts a DynamoDB item back to a Record.
func (item *DynamoDBImageItem) toRecord() *Record {
	return &Record{
		ID:              item.ID,
		OwnerID:         item.OwnerID,
		Filename:        item.Filename,
		ContentType:     item.ContentType,
		SizeBytes:       item.SizeBytes,
		Width:           item.Width,
		Height:          item.Height,
		ObjectRef:       item.ObjectRef,
		Tags:            item.Tags,
		Description:     item.Description,
		Attributes:      item.Attributes,
		Status:          Status(item.Status),
		CreatedAt:       time.Unix(0, item.CreatedAt).UTC(),
		UpdatedAt:       time.Unix(0, item.UpdatedAt).UTC(),
		StatusUpdatedAt: time.Unix(0, item.StatusUpdatedAt).UTC(),
	}
}

// CreateIfAbsent persists a new record, failing if the id is already taken
func (s *DynamoDBStore) CreateIfAbsent(ctx context.Context, record *Record) error {
	av, err := dynamodbattribute.MarshalMap(newDynamoImageItem(record))
	if err != nil {
		return fmt.Errorf("failed to marshal image item: %v", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(image_id)"),
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrDuplicateID
		}
		return storeUnavailable("failed to put image item", err)
	}

	return nil
}

// Get retrieves a record by ID
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Record, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"image_id": {
				S: aws.String(id),
			},
		},
	})

	if err != nil {
		return nil, storeUnavailable("failed to get image item", err)
	}

	if result.Item == nil {
		return nil, ErrRecordNotFound
	}

	var item DynamoDBImageItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image item: %v", err)
	}

	return item.toRecord(), nil
}

// ConditionalUpdate applies patch only while the stored status equals
// expected. The condition failing, or the row being gone, yields ErrConflict.
func (s *DynamoDBStore) ConditionalUpdate(ctx context.Context, id string, expected Status, patch *RecordPatch) (*Record, error) {
	now := time.Now().UTC().UnixNano()

	update := expression.Set(expression.Name("updated_at"), expression.Value(now))
	if patch.Status != nil {
		update = update.Set(expression.Name("status"), expression.Value(string(*patch.Status))).
			Set(expression.Name("status_updated_at"), expression.Value(now))
	}
	if patch.SizeBytes != nil {
		update = update.Set(expression.Name("size_bytes"), expression.Value(*patch.SizeBytes))
	}
	if patch.Width != nil {
		update = update.Set(expression.Name("width"), expression.Value(*patch.Width))
	}
	if patch.Height != nil {
		update = update.Set(expression.Name("height"), expression.Value(*patch.Height))
	}
	if patch.Tags != nil {
		update = update.Set(expression.Name("tags"), expression.Value(patch.Tags))
	}
	if patch.Description != nil {
		update = update.Set(expression.Name("description"), expression.Value(*patch.Description))
	}
	if patch.Attributes != nil {
		update = update.Set(expression.Name("custom_attributes"), expression.Value(patch.Attributes))
	}

	condition := expression.AttributeExists(expression.Name("image_id")).
		And(expression.Name("status").Equal(expression.Value(string(expected))))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(condition).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %v", err)
	}

	result, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"image_id": {
				S: aws.String(id),
			},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              aws.String(dynamodb.ReturnValueAllNew),
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, ErrConflict
		}
		return nil, storeUnavailable("failed to update image item", err)
	}

	var item DynamoDBImageItem
	if err := dynamodbattribute.UnmarshalMap(result.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal updated image item: %v", err)
	}

	return item.toRecord(), nil
}

// Delete removes a record row. Deleting an absent row succeeds.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"image_id": {
				S: aws.String(id),
			},
		},
	})

	if err != nil {
		return storeUnavailable("failed to delete image item", err)
	}

	return nil
}

// Query reads one index page in descending (created_at, id) order
func (s *DynamoDBStore) Query(ctx context.Context, q *IndexQuery) (*IndexPage, error) {
	input, err := s.buildIndexQuery(q)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %v", err)
	}

	result, err := s.client.QueryWithContext(ctx, input)
	if err != nil {
		return nil, storeUnavailable("failed to query image items", err)
	}

	records := make([]*Record, 0, len(result.Items))
	for _, raw := range result.Items {
		var item DynamoDBImageItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			log.Printf("Failed to unmarshal image item: %v", err)
			continue
		}
		records = append(records, item.toRecord())
	}

	page := &IndexPage{Records: records}
	if lek := result.LastEvaluatedKey; len(lek) > 0 {
		page.Next = cursorFromLastEvaluatedKey(lek)
	}
	return page, nil
}

// buildIndexQuery translates an IndexQuery into a DynamoDB query input.
func (s *DynamoDBStore) buildIndexQuery(q *IndexQuery) (*dynamodb.QueryInput, error) {
	var keyCondition expression.KeyConditionBuilder
	var indexName, partitionName, partitionValue string

	if q.OwnerID != "" {
		keyCondition = expression.Key("owner_id").Equal(expression.Value(q.OwnerID))
		indexName = UserIndexName
		partitionName = "owner_id"
		partitionValue = q.OwnerID
	} else {
		status := q.Status
		if status == "" {
			status = StatusActive
		}
		keyCondition = expression.Key("status").Equal(expression.Value(string(status)))
		indexName = StatusIndexName
		partitionName = "status"
		partitionValue = string(status)
	}

	// created_at bounds: Start inclusive, End exclusive. BETWEEN is
	// inclusive on both ends, so the upper bound drops one nanosecond.
	switch {
	case !q.Start.IsZero() && !q.End.IsZero():
		keyCondition = keyCondition.And(expression.Key("created_at").
			Between(expression.Value(q.Start.UnixNano()), expression.Value(q.End.UnixNano()-1)))
	case !q.Start.IsZero():
		keyCondition = keyCondition.And(expression.Key("created_at").
			GreaterThanEqual(expression.Value(q.Start.UnixNano())))
	case !q.End.IsZero():
		keyCondition = keyCondition.And(expression.Key("created_at").
			LessThan(expression.Value(q.End.UnixNano())))
	}

	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(indexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}

	if q.Limit > 0 {
		input.Limit = aws.Int64(int64(q.Limit))
	}

	if q.Cursor != nil {
		// Resuming a GSI query needs the index keys plus the table key.
		input.ExclusiveStartKey = map[string]*dynamodb.AttributeValue{
			partitionName: {
				S: aws.String(partitionValue),
			},
			"created_at": {
				N: aws.String(strconv.FormatInt(q.Cursor.CreatedAt, 10)),
			},
			"image_id": {
				S: aws.String(q.Cursor.ID),
			},
		}
	}

	return input, nil
}

// cursorFromLastEvaluatedKey extracts the resume position from a DynamoDB
// LastEvaluatedKey.
func cursorFromLastEvaluatedKey(lek map[string]*dynamodb.AttributeValue) *IndexCursor {
	cursor := &IndexCursor{}
	if v, ok := lek["created_at"]; ok && v.N != nil {
		createdAt, err := strconv.ParseInt(*v.N, 10, 64)
		if err != nil {
			log.Printf("Failed to parse created_at from LastEvaluatedKey: %v", err)
			return nil
		}
		cursor.CreatedAt = createdAt
	}
	if v, ok := lek["image_id"]; ok && v.S != nil {
		cursor.ID = *v.S
	}
	if cursor.CreatedAt == 0 || cursor.ID == "" {
		return nil
	}
	return cursor
}

// isConditionalCheckFailed reports whether err is a DynamoDB condition
// failure rather than a transport or server problem.
func isConditionalCheckFailed(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}
