package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/models"
	"github.com/noah-isme/gema-crm/internal/observability"
	"github.com/noah-isme/gema-crm/pkg/cloudinary"
)

// TempIDPrefix namespaces optimistic ids so they never collide with server ids.
const TempIDPrefix = "tmp-"

const (
	defaultDeliveryQueue   = 64
	defaultMediaLimitBytes = 15 * humanize.MByte
)

var (
	// ErrMessageEmpty indicates a send with no content left after sanitising.
	ErrMessageEmpty = errors.New("message content empty after sanitization")
	// ErrMediaTooLarge indicates media over the configured size limit.
	ErrMediaTooLarge = errors.New("media exceeds maximum allowed size")
	// ErrMediaUnavailable indicates no blob store is configured.
	ErrMediaUnavailable = errors.New("media uploads are not configured")
	// ErrPipelineBusy indicates the staging queue is full.
	ErrPipelineBusy = errors.New("too many messages in flight")
	// ErrPipelineClosed indicates the pipeline has been shut down.
	ErrPipelineClosed = errors.New("delivery pipeline closed")
)

// DeliveryEventKind tags the events a pipeline emits.
type DeliveryEventKind uint8

const (
	// DeliveryStaged asks the owner to append the optimistic message and stop typing.
	DeliveryStaged DeliveryEventKind = iota + 1
	// DeliveryConfirmed carries the server record for a staged message.
	DeliveryConfirmed
	// DeliveryFailed reports a send that was rejected or rolled back.
	DeliveryFailed
)

// DeliveryEvent is emitted by the pipeline to its owner.
type DeliveryEvent struct {
	Kind         DeliveryEventKind
	Conversation dto.ConversationRef
	TempID       string
	Message      dto.ChatMessage
	Err          error
	Toast        *dto.Toast
	// PreviewToken is set on the terminal event of a media send. The owner
	// releases it with ReleasePreview once the message no longer points at it.
	PreviewToken string
}

// SendOptions carries optional send parameters.
type SendOptions struct {
	ReplyTo string
}

// MediaUpload is a media payload received from the browser.
type MediaUpload struct {
	FileName string
	Data     []byte
}

// DeliveryConfig tunes the pipeline.
type DeliveryConfig struct {
	MaxMediaBytes int64
	QueueSize     int
}

type deliveryJob struct {
	conversation dto.ConversationRef
	selfID       string
	text         string
	media        *MediaUpload
	opts         SendOptions
}

// DeliveryPipeline stages sends in call order and completes their remote writes
// concurrently. Results reach the owner only through emit.
type DeliveryPipeline struct {
	ctx       context.Context
	resolver  MentionResolver
	gateway   MessageGateway
	blobs     BlobStore
	previews  *MediaPreviews
	maxMedia  int64
	emit      func(DeliveryEvent)
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan deliveryJob
	done   chan struct{}
}

// NewDeliveryPipeline starts a pipeline bound to ctx. blobs may be nil when media is disabled.
func NewDeliveryPipeline(ctx context.Context, resolver MentionResolver, gateway MessageGateway, blobs BlobStore, previews *MediaPreviews, cfg DeliveryConfig, emit func(DeliveryEvent), logger zerolog.Logger) *DeliveryPipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultDeliveryQueue
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = defaultMediaLimitBytes
	}
	if previews == nil {
		previews = NewMediaPreviews()
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	p := &DeliveryPipeline{
		ctx:       ctx,
		resolver:  resolver,
		gateway:   gateway,
		blobs:     blobs,
		previews:  previews,
		maxMedia:  cfg.MaxMediaBytes,
		emit:      emit,
		sanitizer: sanitizer,
		tracer:    otel.Tracer("github.com/noah-isme/gema-crm/internal/service/delivery"),
		logger:    logger.With().Str("component", "delivery_pipeline").Logger(),
		jobs:      make(chan deliveryJob, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// SendText queues a text message. Validation errors are returned immediately;
// everything after staging is reported through emitted events.
func (p *DeliveryPipeline) SendText(conversation dto.ConversationRef, text, selfID string, opts SendOptions) error {
	if conversation.IsZero() || selfID == "" {
		return ErrConversationInvalid
	}
	if strings.TrimSpace(text) == "" {
		return ErrMessageEmpty
	}
	return p.enqueue(deliveryJob{conversation: conversation, selfID: selfID, text: text, opts: opts})
}

// SendMedia queues a media message. The optimistic copy points at a local preview
// handle until the upload and insert complete.
func (p *DeliveryPipeline) SendMedia(conversation dto.ConversationRef, upload MediaUpload, selfID string, opts SendOptions) error {
	if conversation.IsZero() || selfID == "" {
		return ErrConversationInvalid
	}
	if p.blobs == nil {
		return ErrMediaUnavailable
	}
	if len(upload.Data) == 0 {
		return ErrMessageEmpty
	}
	if int64(len(upload.Data)) > p.maxMedia {
		return fmt.Errorf("%w: limit is %s", ErrMediaTooLarge, humanize.Bytes(uint64(p.maxMedia)))
	}
	return p.enqueue(deliveryJob{conversation: conversation, selfID: selfID, media: &upload, opts: opts})
}

// Close stops staging new sends. Remote writes already started finish or are
// cancelled with the pipeline's context.
func (p *DeliveryPipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	<-p.done
}

func (p *DeliveryPipeline) enqueue(job deliveryJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPipelineBusy
	}
}

func (p *DeliveryPipeline) run() {
	defer close(p.done)
	for job := range p.jobs {
		if p.ctx.Err() != nil {
			continue
		}
		if job.media != nil {
			p.stageMedia(job)
		} else {
			p.stageText(job)
		}
	}
}

func (p *DeliveryPipeline) stageText(job deliveryJob) {
	clean := strings.TrimSpace(p.sanitizer.Sanitize(job.text))
	if clean == "" {
		p.fail(job.conversation, "", ErrMessageEmpty, "sanitize")
		return
	}

	mentions := p.detectMentions(html.UnescapeString(clean))
	optimistic := p.optimistic(job)
	optimistic.Content = clean
	optimistic.MentionedUserIDs = mentions

	p.emit(DeliveryEvent{Kind: DeliveryStaged, Conversation: job.conversation, TempID: optimistic.TempID, Message: optimistic})

	draft := MessageDraft{
		SenderID:     job.selfID,
		Conversation: job.conversation,
		Content:      clean,
		MentionedIDs: mentions,
		ReplyTo:      job.opts.ReplyTo,
	}
	go p.write(job.conversation, optimistic.TempID, draft)
}

func (p *DeliveryPipeline) stageMedia(job deliveryJob) {
	data := job.media.Data
	detected := mimetype.Detect(data)
	kind := mediaKind(detected.String())

	token := p.previews.Register(job.selfID, detected.String(), data)
	optimistic := p.optimistic(job)
	optimistic.MediaURL = PreviewURL(token)
	optimistic.MediaType = kind
	if kind == models.MediaKindFile {
		optimistic.Content = strings.TrimSpace(p.sanitizer.Sanitize(job.media.FileName))
	}

	p.emit(DeliveryEvent{Kind: DeliveryStaged, Conversation: job.conversation, TempID: optimistic.TempID, Message: optimistic})

	go p.upload(job, optimistic, token, data)
}

func (p *DeliveryPipeline) upload(job deliveryJob, optimistic dto.ChatMessage, token string, data []byte) {
	ctx, span := p.tracer.Start(p.ctx, "chat.media_upload", trace.WithAttributes(
		attribute.String("chat.conversation", job.conversation.Key()),
		attribute.String("chat.media_kind", optimistic.MediaType),
		attribute.Int("chat.media_bytes", len(data)),
	))
	defer span.End()

	path := cloudinary.ObjectPath(optimistic.MediaType, time.Now())
	url, err := p.blobs.Upload(ctx, path, bytes.NewReader(data))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		event := p.failure(job.conversation, optimistic.TempID, err, "upload")
		event.PreviewToken = token
		p.emit(event)
		return
	}

	draft := MessageDraft{
		SenderID:     job.selfID,
		Conversation: job.conversation,
		Content:      optimistic.Content,
		MediaURL:     url,
		MediaType:    optimistic.MediaType,
		MediaPath:    path,
		ReplyTo:      job.opts.ReplyTo,
	}
	message, err := p.gateway.Insert(ctx, draft)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		if delErr := p.blobs.Delete(context.WithoutCancel(ctx), path); delErr != nil {
			p.logger.Warn().Err(delErr).Str("path", path).Msg("failed to remove orphaned media object")
		}
		event := p.failure(job.conversation, optimistic.TempID, err, "insert")
		event.PreviewToken = token
		p.emit(event)
		return
	}

	span.SetStatus(codes.Ok, "stored")
	p.emit(DeliveryEvent{Kind: DeliveryConfirmed, Conversation: job.conversation, TempID: optimistic.TempID, Message: message, PreviewToken: token})
}

// ReleasePreview revokes a preview handle carried by a terminal event.
func (p *DeliveryPipeline) ReleasePreview(token string) {
	if token != "" {
		p.previews.Release(token)
	}
}

func (p *DeliveryPipeline) write(conversation dto.ConversationRef, tempID string, draft MessageDraft) {
	message, err := p.gateway.Insert(p.ctx, draft)
	if err != nil {
		p.fail(conversation, tempID, err, "insert")
		return
	}
	p.emit(DeliveryEvent{Kind: DeliveryConfirmed, Conversation: conversation, TempID: tempID, Message: message})
}

func (p *DeliveryPipeline) fail(conversation dto.ConversationRef, tempID string, err error, stage string) {
	p.emit(p.failure(conversation, tempID, err, stage))
}

func (p *DeliveryPipeline) failure(conversation dto.ConversationRef, tempID string, err error, stage string) DeliveryEvent {
	observability.ChatSendFailures().WithLabelValues(stage).Inc()
	p.logger.Warn().Err(err).Str("stage", stage).Str("conversation", conversation.Key()).Msg("message delivery failed")

	title := "Message not sent"
	if stage == "upload" {
		title = "Upload failed"
	}
	return DeliveryEvent{
		Kind:         DeliveryFailed,
		Conversation: conversation,
		TempID:       tempID,
		Err:          err,
		Toast:        &dto.Toast{Variant: dto.ToastDestructive, Title: title, Description: err.Error()},
	}
}

func (p *DeliveryPipeline) detectMentions(text string) []string {
	if p.resolver == nil {
		return nil
	}
	ids, err := p.resolver.Detect(p.ctx, text)
	if err != nil {
		p.logger.Warn().Err(err).Msg("mention detection failed; sending without mentions")
		return nil
	}
	return ids
}

func (p *DeliveryPipeline) optimistic(job deliveryJob) dto.ChatMessage {
	message := dto.ChatMessage{
		TempID:    TempIDPrefix + uuid.NewString(),
		Pending:   true,
		SenderID:  job.selfID,
		ReplyTo:   job.opts.ReplyTo,
		CreatedAt: time.Now().UTC(),
	}
	if job.conversation.Kind == dto.ConversationGroup {
		message.GroupID = job.conversation.ID
	} else {
		message.RecipientID = job.conversation.ID
	}
	return message
}

func mediaKind(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MediaKindImage
	case strings.HasPrefix(mime, "audio/"):
		return models.MediaKindAudio
	case strings.HasPrefix(mime, "video/"):
		return models.MediaKindVideo
	default:
		return models.MediaKindFile
	}
}
