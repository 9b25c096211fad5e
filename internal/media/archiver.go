package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"github.com/chatbuddy/inbox-bridge/internal/models"
)

// Config holds S3 settings for the archiver.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// Archiver copies media attachments carried in lead messages to
// S3-compatible storage. Messages embed media as data URLs in the message
// body; the archiver decodes them and stores the original bytes under a
// chatbot/lead/date key. It satisfies the sync controller's MessageSink.
type Archiver struct {
	enabled bool
	client  *s3.Client
	bucket  string
}

// NewArchiver creates an archiver. Missing bucket or credentials return a
// disabled archiver whose Consume is a no-op.
func NewArchiver(cfg Config) *Archiver {
	if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		log.Info().Msg("S3 not configured, media archiving disabled")
		return &Archiver{}
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client := s3.New(s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.PathStyle,
		BaseEndpoint: endpointOrNil(cfg.Endpoint),
	})

	log.Info().Str("bucket", cfg.Bucket).Str("region", region).Msg("Media archiver initialized")
	return &Archiver{enabled: true, client: client, bucket: cfg.Bucket}
}

func endpointOrNil(endpoint string) *string {
	if endpoint == "" {
		return nil
	}
	return aws.String(endpoint)
}

// Consume archives the message's media payload if it carries one.
func (a *Archiver) Consume(msg models.Message) {
	if !a.enabled {
		return
	}
	if !strings.HasPrefix(msg.Message, "data:") {
		return
	}

	decoded, err := dataurl.DecodeString(msg.Message)
	if err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("Failed to decode media data URL")
		return
	}

	mimeType := decoded.MediaType.ContentType()
	key := ObjectKey(msg.ChatbotID, msg.LeadID, msg.ID, mimeType, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(decoded.Data),
		ContentType: aws.String(mimeType),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Str("key", key).Msg("Failed to archive media to S3")
		return
	}

	log.Info().
		Str("messageId", msg.ID).
		Str("key", key).
		Str("contentType", mimeType).
		Int("size", len(decoded.Data)).
		Msg("Media archived to S3")
}

// ObjectKey builds the S3 object key for a message attachment.
func ObjectKey(chatbotID, leadID, messageID, mimeType string, now time.Time) string {
	mediaType := "documents"
	if strings.HasPrefix(mimeType, "image/") {
		mediaType = "images"
	} else if strings.HasPrefix(mimeType, "video/") {
		mediaType = "videos"
	} else if strings.HasPrefix(mimeType, "audio/") {
		mediaType = "audio"
	}

	return fmt.Sprintf("chatbots/%s/leads/%s/%s/%s/%s%s",
		chatbotID,
		leadID,
		now.Format("2006/01/02"),
		mediaType,
		messageID,
		extensionFor(mimeType),
	)
}

// extensionFor maps a mime type to a file extension.
func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	default:
		return ".bin"
	}
}
