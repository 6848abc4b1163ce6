package server

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/google/uuid"
)

const (
	testRegion      = "us-west-2"
	testImagesTable = "imagestash-images-test"
)

// testEndpoint returns the local stack endpoint when one is configured.
func testEndpoint() string {
	return os.Getenv("AWS_ENDPOINT_URL")
}

// skipWithoutAWS skips tests that need a reachable DynamoDB.
func skipWithoutAWS(t *testing.T) {
	t.Helper()
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" || os.Getenv("AWS_SECRET_ACCESS_KEY") == "" {
		t.Skip("Skipping test: AWS credentials not available")
	}
}

// newTestDynamoClient builds a raw client for table management.
func newTestDynamoClient(t *testing.T) *dynamodb.DynamoDB {
	t.Helper()
	cfg := aws.NewConfig().WithRegion(testRegion)
	if endpoint := testEndpoint(); endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).
			WithCredentials(credentials.NewStaticCredentials("test", "test", ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		t.Fatalf("Failed to create AWS session: %v", err)
	}
	return dynamodb.New(sess)
}

// setupImagesTable creates the images test table with both query indexes
func setupImagesTable(t *testing.T) {
	client := newTestDynamoClient(t)

	_, err := client.CreateTable(&dynamodb.CreateTableInput{
		TableName: aws.String(testImagesTable),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String("image_id"),
				AttributeType: aws.String("S"),
			},
			{
				AttributeName: aws.String("owner_id"),
				AttributeType: aws.String("S"),
			},
			{
				AttributeName: aws.String("status"),
				AttributeType: aws.String("S"),
			},
			{
				AttributeName: aws.String("created_at"),
				AttributeType: aws.String("N"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String("image_id"),
				KeyType:       aws.String("HASH"),
			},
		},
		GlobalSecondaryIndexes: []*dynamodb.GlobalSecondaryIndex{
			{
				IndexName: aws.String(UserIndexName),
				KeySchema: []*dynamodb.KeySchemaElement{
					{
						AttributeName: aws.String("owner_id"),
						KeyType:       aws.String("HASH"),
					},
					{
						AttributeName: aws.String("created_at"),
						KeyType:       aws.String("RANGE"),
					},
				},
				Projection: &dynamodb.Projection{
					ProjectionType: aws.String("ALL"),
				},
			},
			{
				IndexName: aws.String(StatusIndexName),
				KeySchema: []*dynamodb.KeySchemaElement{
					{
						AttributeName: aws.String("status"),
						KeyType:       aws.String("HASH"),
					},
					{
						AttributeName: aws.String("created_at"),
						KeyType:       aws.String("RANGE"),
					},
				},
				Projection: &dynamodb.Projection{
					ProjectionType: aws.String("ALL"),
				},
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		t.Logf("Error creating images table (may already exist): %v", err)
	}

	t.Log("Waiting for images table to be active...")
	err = client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(testImagesTable),
	})
	if err != nil {
		t.Fatalf("Failed to wait for images table: %v", err)
	}
}

// cleanupImagesTable deletes the images test table
func cleanupImagesTable(t *testing.T) {
	client := newTestDynamoClient(t)
	_, err := client.DeleteTable(&dynamodb.DeleteTableInput{
		TableName: aws.String(testImagesTable),
	})
	if err != nil {
		t.Logf("Error deleting images table: %v", err)
	}
}

// newAWSTestRecord builds a record with every field populated.
func newAWSTestRecord(owner string, createdAt time.Time) *Record {
	id := uuid.NewString()
	return &Record{
		ID:              id,
		OwnerID:         owner,
		Filename:        "photo.jpg",
		ContentType:     "image/jpeg",
		SizeBytes:       4096,
		ObjectRef:       ObjectRef(owner, id),
		Tags:            []string{"test", "aws"},
		Description:     "store test record",
		Attributes:      map[string]interface{}{"camera": "x100"},
		Status:          StatusProcessing,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
		StatusUpdatedAt: createdAt,
	}
}

// TestDynamoDBStore_CreateAndGet tests round-tripping a record
func TestDynamoDBStore_CreateAndGet(t *testing.T) {
	skipWithoutAWS(t)
	setupImagesTable(t)
	defer cleanupImagesTable(t)

	store, err := NewDynamoDBStore(testRegion, testImagesTable, testEndpoint())
	if err != nil {
		t.Fatalf("Failed to create DynamoDB store: %v", err)
	}

	ctx := context.Background()
	record := newAWSTestRecord("owner_1", time.Now().UTC())
	if err := store.CreateIfAbsent(ctx, record); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if got.ID != record.ID || got.OwnerID != record.OwnerID {
		t.Errorf("Expected record %s/%s, got %s/%s", record.ID, record.OwnerID, got.ID, got.OwnerID)
	}
	if got.Status != StatusProcessing {
		t.Errorf("Expected status processing, got %s", got.Status)
	}
	if got.ContentType != "image/jpeg" || got.SizeBytes != 4096 {
		t.Errorf("Unexpected content fields: %+v", got)
	}
	if len(got.Tags) != 2 {
		t.Errorf("Expected 2 tags, got %v", got.Tags)
	}
	if got.Attributes["camera"] != "x100" {
		t.Errorf("Expected attributes round-tripped, got %v", got.Attributes)
	}
	if !got.CreatedAt.Equal(record.CreatedAt) {
		t.Errorf("Expected created_at %v, got %v", record.CreatedAt, got.CreatedAt)
	}

	// A second create with the same id must fail
	err = store.CreateIfAbsent(ctx, record)
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}

	// Unknown ids report not found
	_, err = store.Get(ctx, uuid.NewString())
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

// TestDynamoDBStore_ConditionalUpdate tests the status-guarded write
func TestDynamoDBStore_ConditionalUpdate(t *testing.T) {
	skipWithoutAWS(t)
	setupImagesTable(t)
	defer cleanupImagesTable(t)

	store, err := NewDynamoDBStore(testRegion, testImagesTable, testEndpoint())
	if err != nil {
		t.Fatalf("Failed to create DynamoDB store: %v", err)
	}

	ctx := context.Background()
	record := newAWSTestRecord("owner_1", time.Now().UTC())
	if err := store.CreateIfAbsent(ctx, record); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	active := StatusActive
	size := int64(8192)
	updated, err := store.ConditionalUpdate(ctx, record.ID, StatusProcessing, &RecordPatch{
		Status:    &active,
		SizeBytes: &size,
	})
	if err != nil {
		t.Fatalf("Failed conditional update: %v", err)
	}
	if updated.Status != StatusActive || updated.SizeBytes != 8192 {
		t.Errorf("Unexpected record after update: %+v", updated)
	}
	if updated.StatusUpdatedAt.Before(record.StatusUpdatedAt) {
		t.Errorf("Expected status_updated_at stamped, got %v", updated.StatusUpdatedAt)
	}

	// The stale expected status no longer matches
	_, err = store.ConditionalUpdate(ctx, record.ID, StatusProcessing, &RecordPatch{Status: &active})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on stale status, got %v", err)
	}

	// A missing row fails the attribute_exists condition
	_, err = store.ConditionalUpdate(ctx, uuid.NewString(), StatusProcessing, &RecordPatch{Status: &active})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on missing record, got %v", err)
	}
}

// TestDynamoDBStore_Delete tests idempotent row removal
func TestDynamoDBStore_Delete(t *testing.T) {
	skipWithoutAWS(t)
	setupImagesTable(t)
	defer cleanupImagesTable(t)

	store, err := NewDynamoDBStore(testRegion, testImagesTable, testEndpoint())
	if err != nil {
		t.Fatalf("Failed to create DynamoDB store: %v", err)
	}

	ctx := context.Background()
	record := newAWSTestRecord("owner_1", time.Now().UTC())
	if err := store.CreateIfAbsent(ctx, record); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	if err := store.Delete(ctx, record.ID); err != nil {
		t.Fatalf("Failed to delete record: %v", err)
	}
	if _, err := store.Get(ctx, record.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected record gone, got %v", err)
	}
	if err := store.Delete(ctx, record.ID); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}
}

// TestDynamoDBStore_Query tests both secondary indexes and cursor resume
func TestDynamoDBStore_Query(t *testing.T) {
	skipWithoutAWS(t)
	setupImagesTable(t)
	defer cleanupImagesTable(t)

	store, err := NewDynamoDBStore(testRegion, testImagesTable, testEndpoint())
	if err != nil {
		t.Fatalf("Failed to create DynamoDB store: %v", err)
	}

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	active := StatusActive
	var ownerRecords []*Record
	for i := 0; i < 3; i++ {
		record := newAWSTestRecord("owner_1", base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateIfAbsent(ctx, record); err != nil {
			t.Fatalf("Failed to create record: %v", err)
		}
		if _, err := store.ConditionalUpdate(ctx, record.ID, StatusProcessing, &RecordPatch{Status: &active}); err != nil {
			t.Fatalf("Failed to activate record: %v", err)
		}
		ownerRecords = append(ownerRecords, record)
	}
	other := newAWSTestRecord("owner_2", base.Add(10*time.Minute))
	if err := store.CreateIfAbsent(ctx, other); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	// The secondary indexes are eventually consistent
	time.Sleep(2 * time.Second)

	// Owner index: only owner_1, newest first
	page, err := store.Query(ctx, &IndexQuery{OwnerID: "owner_1"})
	if err != nil {
		t.Fatalf("Failed owner query: %v", err)
	}
	if len(page.Records) != 3 {
		t.Fatalf("Expected 3 records for owner_1, got %d", len(page.Records))
	}
	for i := 1; i < len(page.Records); i++ {
		if page.Records[i].CreatedAt.After(page.Records[i-1].CreatedAt) {
			t.Errorf("Records out of order at position %d", i)
		}
	}

	// Cursor resume returns the remainder without overlap
	first, err := store.Query(ctx, &IndexQuery{OwnerID: "owner_1", Limit: 2})
	if err != nil {
		t.Fatalf("Failed first page: %v", err)
	}
	if len(first.Records) != 2 || first.Next == nil {
		t.Fatalf("Expected 2 records and a cursor, got %d", len(first.Records))
	}
	rest, err := store.Query(ctx, &IndexQuery{OwnerID: "owner_1", Limit: 2, Cursor: first.Next})
	if err != nil {
		t.Fatalf("Failed second page: %v", err)
	}
	seen := map[string]bool{}
	for _, r := range first.Records {
		seen[r.ID] = true
	}
	for _, r := range rest.Records {
		if seen[r.ID] {
			t.Errorf("Record %s appeared on both pages", r.ID)
		}
	}

	// Status index: the processing record for owner_2 is not active yet
	page, err = store.Query(ctx, &IndexQuery{})
	if err != nil {
		t.Fatalf("Failed status query: %v", err)
	}
	for _, r := range page.Records {
		if r.Status != StatusActive {
			t.Errorf("Expected only active records from status index, got %s", r.Status)
		}
	}

	// Time range: the upper bound is exclusive
	page, err = store.Query(ctx, &IndexQuery{
		OwnerID: "owner_1",
		Start:   base,
		End:     base.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Failed range query: %v", err)
	}
	if len(page.Records) != 2 {
		t.Errorf("Expected 2 records in window, got %d", len(page.Records))
	}
	for _, r := range page.Records {
		if !r.CreatedAt.Before(base.Add(2 * time.Minute)) {
			t.Errorf("Record %s outside the window", r.ID)
		}
	}
}
