package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/video-qc/pkg/models"
)

// Single-table key layout.
const (
	metadataSK        = "METADATA"
	allVideosPK       = "ALL_VIDEOS"
	allAssessmentsPK  = "ALL_ASSESSMENTS"
	gsi1Index         = "GSI1"
	gsi2Index         = "GSI2"
	runningCondition  = "#status = :running"
	pendingCondition  = "attribute_exists(pk) AND #status = :pending"
	existsNotRunning = "attribute_exists(pk) AND #status <> :running"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the repositories.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func videoKey(videoID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("VIDEO#%s", videoID)},
		"sk": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

func assessmentKey(assessmentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("ASSESSMENT#%s", assessmentID)},
		"sk": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

// marshalValues converts expression values with attributevalue.Marshal.
func marshalValues(values map[string]any) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(values))
	for k, v := range values {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// queryAll runs a query across every page.
func queryAll(ctx context.Context, client DynamoDBAPI, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewQueryPaginator(client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// VideoRepository handles video asset storage in DynamoDB.
type VideoRepository struct {
	client    DynamoDBAPI
	tableName string
}

// NewVideoRepository creates a new VideoRepository from an existing DynamoDB client.
func NewVideoRepository(client DynamoDBAPI, tableName string) *VideoRepository {
	return &VideoRepository{
		client:    client,
		tableName: tableName,
	}
}

// CreateVideo stores a new video asset.
func (r *VideoRepository) CreateVideo(ctx context.Context, video *models.VideoAsset) error {
	video.PK = fmt.Sprintf("VIDEO#%s", video.ID)
	video.SK = metadataSK
	video.GSI1PK = allVideosPK
	video.GSI1SK = fmt.Sprintf("%s#%s", video.CreatedAt.UTC().Format(time.RFC3339Nano), video.ID)

	item, err := attributevalue.MarshalMap(video)
	if err != nil {
		return fmt.Errorf("failed to marshal video: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: video already exists: %s", models.ErrInvalidArgument, video.ID)
		}
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetVideo retrieves a video asset by ID.
func (r *VideoRepository) GetVideo(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       videoKey(videoID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	var video models.VideoAsset
	if err := attributevalue.UnmarshalMap(result.Item, &video); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}

	return &video, nil
}

// ListVideos retrieves videos in reverse chronological order, optionally filtered by role.
func (r *VideoRepository) ListVideos(ctx context.Context, role models.VideoRole) ([]models.VideoAsset, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi1Index),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: allVideosPK},
		},
		ScanIndexForward: aws.Bool(false), // Newest first
	}
	if role != "" {
		input.FilterExpression = aws.String("#role = :role")
		input.ExpressionAttributeNames = map[string]string{"#role": "role"}
		input.ExpressionAttributeValues[":role"] = &types.AttributeValueMemberS{Value: string(role)}
	}

	items, err := queryAll(ctx, r.client, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	videos := make([]models.VideoAsset, 0, len(items))
	if err := attributevalue.UnmarshalListOfMaps(items, &videos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal videos: %w", err)
	}

	return videos, nil
}

// UpdateVideoRole changes the role of a video.
func (r *VideoRepository) UpdateVideoRole(ctx context.Context, videoID string, role models.VideoRole) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              videoKey(videoID),
		UpdateExpression: aws.String("SET #role = :role, updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#role": "role",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":role":       &types.AttributeValueMemberS{Value: string(role)},
			":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.ErrVideoNotFound
		}
		return fmt.Errorf("failed to update video: %w", err)
	}

	return nil
}

// DeleteVideo removes a video asset.
func (r *VideoRepository) DeleteVideo(ctx context.Context, videoID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 videoKey(videoID),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.ErrVideoNotFound
		}
		return fmt.Errorf("failed to delete video: %w", err)
	}

	return nil
}

// AssessmentRepository handles assessment storage in DynamoDB. Every write made on
// behalf of a running drive is conditional on the stored status still being running.
type AssessmentRepository struct {
	client    DynamoDBAPI
	tableName string
}

// NewAssessmentRepository creates a new AssessmentRepository from an existing DynamoDB client.
func NewAssessmentRepository(client DynamoDBAPI, tableName string) *AssessmentRepository {
	return &AssessmentRepository{
		client:    client,
		tableName: tableName,
	}
}

func setAssessmentKeys(a *models.Assessment) {
	a.PK = fmt.Sprintf("ASSESSMENT#%s", a.ID)
	a.SK = metadataSK
	a.GSI1PK = allAssessmentsPK
	a.GSI1SK = fmt.Sprintf("%s#%s", a.CreatedAt.UTC().Format(time.RFC3339Nano), a.ID)
	if a.BatchID != "" {
		a.GSI2PK = fmt.Sprintf("BATCH#%s", a.BatchID)
		a.GSI2SK = fmt.Sprintf("%03d#%s", a.BatchIndex, a.ID)
	}
}

// CreateAssessment stores a new pending assessment.
func (r *AssessmentRepository) CreateAssessment(ctx context.Context, a *models.Assessment) error {
	setAssessmentKeys(a)

	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: assessment already exists: %s", models.ErrInvalidArgument, a.ID)
		}
		return fmt.Errorf("failed to create assessment: %w", err)
	}

	return nil
}

// CreateAssessments stores a group of assessments in one transaction.
func (r *AssessmentRepository) CreateAssessments(ctx context.Context, assessments []*models.Assessment) error {
	items := make([]types.TransactWriteItem, 0, len(assessments))
	for _, a := range assessments {
		setAssessmentKeys(a)
		item, err := attributevalue.MarshalMap(a)
		if err != nil {
			return fmt.Errorf("failed to marshal assessment: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			},
		})
	}

	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("failed to create assessments: %w", err)
	}

	return nil
}

// GetAssessment retrieves an assessment by ID.
func (r *AssessmentRepository) GetAssessment(ctx context.Context, assessmentID string) (*models.Assessment, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            assessmentKey(assessmentID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrAssessmentNotFound
	}

	var a models.Assessment
	if err := attributevalue.UnmarshalMap(result.Item, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assessment: %w", err)
	}

	return &a, nil
}

// ListAssessments returns a page of assessments, newest first, and the total count.
func (r *AssessmentRepository) ListAssessments(ctx context.Context, skip, limit int) ([]models.Assessment, int, error) {
	all, err := r.queryAssessments(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi1Index),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: allAssessmentsPK},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list assessments: %w", err)
	}

	return paginate(all, skip, limit), len(all), nil
}

// ListBatch returns the assessments of a batch in creation order.
func (r *AssessmentRepository) ListBatch(ctx context.Context, batchID string) ([]models.Assessment, error) {
	all, err := r.queryAssessments(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi2Index),
		KeyConditionExpression: aws.String("gsi2pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("BATCH#%s", batchID)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list batch: %w", err)
	}

	slices.SortStableFunc(all, func(a, b models.Assessment) int {
		return cmp.Compare(a.BatchIndex, b.BatchIndex)
	})
	return all, nil
}

// ListByStatus returns every assessment with the given status.
func (r *AssessmentRepository) ListByStatus(ctx context.Context, status models.AssessmentStatus) ([]models.Assessment, error) {
	all, err := r.queryAssessments(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi1Index),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		FilterExpression:       aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: allAssessmentsPK},
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments by status: %w", err)
	}
	return all, nil
}

func (r *AssessmentRepository) queryAssessments(ctx context.Context, input *dynamodb.QueryInput) ([]models.Assessment, error) {
	items, err := queryAll(ctx, r.client, input)
	if err != nil {
		return nil, err
	}

	assessments := make([]models.Assessment, 0, len(items))
	if err := attributevalue.UnmarshalListOfMaps(items, &assessments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assessments: %w", err)
	}
	return assessments, nil
}

// MarkRunning transitions a pending assessment to running.
// It returns ErrInvalidState if the assessment is not pending.
func (r *AssessmentRepository) MarkRunning(ctx context.Context, assessmentID string, startedAt time.Time) error {
	values, err := marshalValues(map[string]any{
		":running":    models.StatusRunning,
		":pending":    models.StatusPending,
		":started_at": startedAt.UTC(),
	})
	if err != nil {
		return err
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       assessmentKey(assessmentID),
		UpdateExpression:          aws.String("SET #status = :running, started_at = :started_at"),
		ConditionExpression:       aws.String(pendingCondition),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: assessment %s is not pending", models.ErrInvalidState, assessmentID)
		}
		return fmt.Errorf("failed to start assessment: %w", err)
	}

	return nil
}

// UpdateProgress records frame progress. The write is rejected with ErrStaleWrite
// unless the assessment is running and the new progress does not go backwards.
func (r *AssessmentRepository) UpdateProgress(ctx context.Context, assessmentID string, progress float64, currentFrame, totalFrames int) error {
	values, err := marshalValues(map[string]any{
		":running":       models.StatusRunning,
		":progress":      progress,
		":current_frame": currentFrame,
		":total_frames":  totalFrames,
	})
	if err != nil {
		return err
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       assessmentKey(assessmentID),
		UpdateExpression:          aws.String("SET progress = :progress, current_frame = :current_frame, total_frames = :total_frames"),
		ConditionExpression:       aws.String(runningCondition + " AND progress <= :progress"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.ErrStaleWrite
		}
		return fmt.Errorf("failed to update progress: %w", err)
	}

	return nil
}

// Complete marks a running assessment completed with its scores.
func (r *AssessmentRepository) Complete(ctx context.Context, assessmentID string, c models.Completion) error {
	set := "SET #status = :completed, progress = :progress, vmaf_score = :vmaf, vmaf_min = :vmaf_min, " +
		"vmaf_max = :vmaf_max, ssim_score = :ssim, psnr_score = :psnr, frame_data_location = :location, " +
		"vmaf_model = :model, completed_at = :completed_at"

	raw := map[string]any{
		":running":      models.StatusRunning,
		":completed":    models.StatusCompleted,
		":progress":     100.0,
		":vmaf":         c.Scores.VMAFMean,
		":vmaf_min":     c.Scores.VMAFMin,
		":vmaf_max":     c.Scores.VMAFMax,
		":ssim":         c.Scores.SSIMMean,
		":psnr":         c.Scores.PSNRMean,
		":location":     c.FrameDataLocation,
		":model":        c.Model,
		":completed_at": c.CompletedAt.UTC(),
	}
	if c.Scores.MSSSIMMean != nil {
		set += ", ms_ssim_score = :ms_ssim"
		raw[":ms_ssim"] = *c.Scores.MSSSIMMean
	}

	values, err := marshalValues(raw)
	if err != nil {
		return err
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       assessmentKey(assessmentID),
		UpdateExpression:          aws.String(set),
		ConditionExpression:       aws.String(runningCondition),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.ErrStaleWrite
		}
		return fmt.Errorf("failed to complete assessment: %w", err)
	}

	return nil
}

// Fail marks a running assessment failed with a message.
func (r *AssessmentRepository) Fail(ctx context.Context, assessmentID, message string, at time.Time) error {
	return r.finish(ctx, assessmentID, models.StatusFailed, message, at)
}

// Cancel marks a running assessment cancelled.
func (r *AssessmentRepository) Cancel(ctx context.Context, assessmentID string, at time.Time) error {
	return r.finish(ctx, assessmentID, models.StatusCancelled, "", at)
}

func (r *AssessmentRepository) finish(ctx context.Context, assessmentID string, status models.AssessmentStatus, message string, at time.Time) error {
	set := "SET #status = :status, completed_at = :completed_at"
	raw := map[string]any{
		":running":      models.StatusRunning,
		":status":       status,
		":completed_at": at.UTC(),
	}
	if message != "" {
		set += ", error_message = :error"
		raw[":error"] = message
	}

	values, err := marshalValues(raw)
	if err != nil {
		return err
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       assessmentKey(assessmentID),
		UpdateExpression:          aws.String(set),
		ConditionExpression:       aws.String(runningCondition),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.ErrStaleWrite
		}
		return fmt.Errorf("failed to mark assessment %s: %w", status, err)
	}

	return nil
}

// DeleteAssessment removes an assessment that is not running.
func (r *AssessmentRepository) DeleteAssessment(ctx context.Context, assessmentID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      assessmentKey(assessmentID),
		ConditionExpression:      aws.String(existsNotRunning),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":running": &types.AttributeValueMemberS{Value: string(models.StatusRunning)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: assessment %s is running or missing", models.ErrInvalidState, assessmentID)
		}
		return fmt.Errorf("failed to delete assessment: %w", err)
	}

	return nil
}

// paginate returns items[skip:skip+limit] bounded to the slice.
func paginate[T any](items []T, skip, limit int) []T {
	skip = max(0, min(skip, len(items)))
	end := len(items)
	if limit >= 0 {
		end = min(skip+limit, len(items))
	}
	return items[skip:end]
}
