package drops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/model"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
)

const (
	chunkContentType    = "application/octet-stream"
	manifestContentType = "application/json"
)

// Options tunes a Service.
type Options struct {
	TTL               time.Duration
	ShortCodeLength   int
	MaxShortCodeTries int
	PresignPutExpiry  time.Duration
	PresignGetExpiry  time.Duration
	DeleteBatchSize   int
	MaxChunks         int
}

// OptionsFromConfig picks the Service options out of the process config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TTL:               cfg.TTL,
		ShortCodeLength:   cfg.ShortCodeLength,
		MaxShortCodeTries: cfg.MaxShortCodeTries,
		PresignPutExpiry:  cfg.PresignPutExpiry,
		PresignGetExpiry:  cfg.PresignGetExpiry,
		DeleteBatchSize:   cfg.DeleteBatchSize,
		MaxChunks:         cfg.MaxChunks,
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     kvstore.Store
	Objects   objectstore.Store
	Presigner objectstore.Presigner
	Publisher DeletionPublisher
	Logger    logrus.FieldLogger
}

// Service exposes the drop operations in the shape the HTTP layer needs.
type Service struct {
	lifecycle    *Lifecycle
	resolver     *Resolver
	orchestrator *Orchestrator
	recorder     *Recorder
	objects      objectstore.Store
	presigner    objectstore.Presigner
	opts         Options
	now          func() time.Time
	newID        func() string
	log          logrus.FieldLogger
}

// NewService wires the drop components together.
func NewService(deps Deps, opts Options) *Service {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	allocator := NewAllocator(RandomCodes(opts.ShortCodeLength), opts.MaxShortCodeTries, log)
	lifecycle := NewLifecycle(deps.Store, deps.Objects, allocator, deps.Publisher, opts.TTL, log)
	return &Service{
		lifecycle:    lifecycle,
		resolver:     NewResolver(deps.Store, log),
		orchestrator: NewOrchestrator(lifecycle, deps.Objects, opts.DeleteBatchSize, log),
		recorder:     NewRecorder(deps.Store, log),
		objects:      deps.Objects,
		presigner:    deps.Presigner,
		opts:         opts,
		now:          time.Now,
		newID:        uuid.NewString,
		log:          log,
	}
}

// Orchestrator returns the deletion orchestrator so job consumers can share
// the Service wiring.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

// ChunkSpec is one chunk announced by the uploader.
type ChunkSpec struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// DropMeta is the optional creation metadata.
type DropMeta struct {
	Size int64 `json:"size"`
}

// CreateUploadIntentRequest announces the chunks of a new drop.
type CreateUploadIntentRequest struct {
	Chunks    []ChunkSpec `json:"chunks"`
	Meta      DropMeta    `json:"meta"`
	CreatorID string      `json:"creator_id,omitempty"`
}

// PresignedChunk is the upload target of one chunk.
type PresignedChunk struct {
	objectstore.Target
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// CreateUploadIntentResponse carries the new drop id and its upload targets.
type CreateUploadIntentResponse struct {
	DropID            string             `json:"drop_id"`
	Presigned         []PresignedChunk   `json:"presigned"`
	ManifestPresigned objectstore.Target `json:"manifest_presigned"`
}

// CreateUploadIntent registers a new drop in uploading state and returns
// upload targets for its chunks and its manifest.
func (s *Service) CreateUploadIntent(ctx context.Context, req CreateUploadIntentRequest) (*CreateUploadIntentResponse, error) {
	if len(req.Chunks) == 0 {
		return nil, apperr.Validation("no chunks provided")
	}
	if s.opts.MaxChunks > 0 && len(req.Chunks) > s.opts.MaxChunks {
		return nil, apperr.Validation(fmt.Sprintf("too many chunks, at most %d allowed", s.opts.MaxChunks))
	}

	dropID := s.newID()
	resp := &CreateUploadIntentResponse{DropID: dropID}
	chunks := make([]model.Chunk, 0, len(req.Chunks))
	seen := make(map[string]struct{}, len(req.Chunks))
	var total int64
	for i, c := range req.Chunks {
		hash := c.Hash
		if hash == "" {
			hash = uuid.NewString()
		}
		if !validSegment(hash) {
			return nil, apperr.Validation("invalid chunk hash").WithDetail("index", i)
		}
		if _, dup := seen[hash]; dup {
			return nil, apperr.Validation("duplicate chunk hash").WithDetail("index", i)
		}
		if c.Size < 0 {
			return nil, apperr.Validation("chunk size must not be negative").WithDetail("index", i)
		}
		seen[hash] = struct{}{}
		total += c.Size

		key := ChunkKey(dropID, hash)
		target, err := s.presigner.PresignPut(ctx, key, chunkContentType, s.opts.PresignPutExpiry)
		if err != nil {
			return nil, apperr.Storage("failed to presign chunk upload").WithCause(err)
		}
		resp.Presigned = append(resp.Presigned, PresignedChunk{Target: target, Size: c.Size, Hash: hash})
		chunks = append(chunks, model.Chunk{Key: key, Size: c.Size, Hash: hash})
	}

	manifest, err := s.presigner.PresignPut(ctx, ManifestKey(dropID), manifestContentType, s.opts.PresignPutExpiry)
	if err != nil {
		return nil, apperr.Storage("failed to presign manifest upload").WithCause(err)
	}
	resp.ManifestPresigned = manifest

	size := req.Meta.Size
	if size == 0 {
		size = total
	}
	now := s.now().UTC()
	d := &model.Drop{
		ID:        dropID,
		CreatedAt: now.Unix(),
		UpdatedAt: now,
		CreatorID: req.CreatorID,
		Size:      size,
		Chunks:    chunks,
	}
	if err := s.lifecycle.Create(ctx, d); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"dropID": dropID, "chunks": len(chunks)}).Info("upload intent created")
	return resp, nil
}

// FinalizeRequest points a drop at its uploaded manifest.
type FinalizeRequest struct {
	DropID          string             `json:"drop_id"`
	ManifestS3Key   string             `json:"manifest_s3_key"`
	ManifestIndex   []model.IndexEntry `json:"manifest_index,omitempty"`
	ReaderTokenHash string             `json:"reader_token_hash,omitempty"`
	ReaderTokenSalt string             `json:"reader_token_salt,omitempty"`
	WriterTokenHash string             `json:"writer_token_hash,omitempty"`
	WriterTokenSalt string             `json:"writer_token_salt,omitempty"`
}

// FinalizeResponse returns the short code a finalized drop is reachable by.
type FinalizeResponse struct {
	DropID        string `json:"drop_id"`
	ShortCode     string `json:"short_code"`
	ManifestS3Key string `json:"manifest_s3_key"`
}

// FinalizeDrop makes an uploaded drop ready and hands out its short code.
func (s *Service) FinalizeDrop(ctx context.Context, req FinalizeRequest) (*FinalizeResponse, error) {
	d, err := s.lifecycle.Finalize(ctx, FinalizeInput{
		DropID:          req.DropID,
		ManifestKey:     req.ManifestS3Key,
		ManifestIndex:   req.ManifestIndex,
		ReaderTokenHash: req.ReaderTokenHash,
		ReaderTokenSalt: req.ReaderTokenSalt,
		WriterTokenHash: req.WriterTokenHash,
		WriterTokenSalt: req.WriterTokenSalt,
	})
	if err != nil {
		return nil, err
	}
	return &FinalizeResponse{DropID: d.ID, ShortCode: d.ShortCode, ManifestS3Key: d.ManifestKey}, nil
}

// GetDropRequest names a drop either directly or through its short code.
type GetDropRequest struct {
	DropID    string
	ShortCode string
}

// DownloadChunk is the download target of one chunk.
type DownloadChunk struct {
	objectstore.Target
	Size int64  `json:"size"`
	Hash string `json:"hash,omitempty"`
	IV   string `json:"iv,omitempty"`
}

// GetDropResponse is a ready drop with its manifest and download targets.
type GetDropResponse struct {
	DropID    string           `json:"drop_id"`
	Status    model.DropStatus `json:"status"`
	ShortCode string           `json:"short_code"`
	Manifest  json.RawMessage  `json:"manifest"`
	Chunks    []DownloadChunk  `json:"chunks"`
}

// manifestDoc is the part of the client manifest the server looks at. Any
// other field is passed through untouched.
type manifestDoc struct {
	Chunks []struct {
		Key  string `json:"key"`
		Size int64  `json:"size"`
		IV   string `json:"iv"`
	} `json:"chunks"`
}

// GetDrop returns a ready drop with its manifest and chunk download targets.
func (s *Service) GetDrop(ctx context.Context, req GetDropRequest) (*GetDropResponse, error) {
	dropID := req.DropID
	if dropID == "" {
		if req.ShortCode == "" {
			return nil, apperr.Validation("drop_id or short_code required")
		}
		res, err := s.resolver.Resolve(ctx, req.ShortCode)
		if err != nil {
			return nil, err
		}
		dropID = res.DropID
	}

	d, err := s.lifecycle.ReadReady(ctx, dropID)
	if err != nil {
		return nil, err
	}

	if !OwnsKey(d.ID, d.ManifestKey) {
		return nil, apperr.Conflict("manifest missing")
	}
	raw, err := s.objects.GetObject(ctx, d.ManifestKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, apperr.Conflict("manifest missing").WithCause(err)
		}
		return nil, apperr.Storage("failed to read manifest").WithCause(err)
	}
	manifest, doc := decodeManifest(raw)

	ivs := make(map[string]string, len(doc.Chunks))
	for _, c := range doc.Chunks {
		ivs[c.Key] = c.IV
	}
	sources := d.Chunks
	if len(sources) == 0 {
		prefix := NamespacePrefix(d.ID)
		for _, c := range doc.Chunks {
			if strings.HasPrefix(c.Key, prefix) {
				sources = append(sources, model.Chunk{Key: c.Key, Size: c.Size})
			}
		}
	}

	resp := &GetDropResponse{
		DropID:    d.ID,
		Status:    d.Status,
		ShortCode: d.ShortCode,
		Manifest:  manifest,
		Chunks:    make([]DownloadChunk, 0, len(sources)),
	}
	for _, c := range sources {
		target, err := s.presigner.PresignGet(ctx, c.Key, s.opts.PresignGetExpiry)
		if err != nil {
			return nil, apperr.Storage("failed to presign chunk download").WithCause(err)
		}
		resp.Chunks = append(resp.Chunks, DownloadChunk{Target: target, Size: c.Size, Hash: c.Hash, IV: ivs[c.Key]})
	}
	return resp, nil
}

// decodeManifest returns the manifest as JSON. Bytes that are not JSON are
// passed on as a base64 string.
func decodeManifest(raw []byte) (json.RawMessage, manifestDoc) {
	var doc manifestDoc
	if json.Valid(raw) {
		_ = json.Unmarshal(raw, &doc)
		return json.RawMessage(raw), doc
	}
	encoded, _ := json.Marshal(raw)
	return json.RawMessage(encoded), doc
}

// Resolve maps a short code to its drop without reading the drop.
func (s *Service) Resolve(ctx context.Context, code string) (Resolution, error) {
	return s.resolver.Resolve(ctx, code)
}

// BurnResponse reports the status of a burned drop.
type BurnResponse struct {
	DropID string           `json:"drop_id"`
	Status model.DropStatus `json:"status"`
}

// Burn destroys a drop.
func (s *Service) Burn(ctx context.Context, dropID string) (*BurnResponse, error) {
	d, err := s.lifecycle.Burn(ctx, dropID)
	if err != nil {
		return nil, err
	}
	return &BurnResponse{DropID: d.ID, Status: d.Status}, nil
}

// AttemptRequest describes one pickup attempt.
type AttemptRequest struct {
	DropID     string `json:"drop_id"`
	Result     string `json:"result,omitempty"`
	ClientTime *int64 `json:"client_time,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// AttemptResponse echoes the id the attempt was stored under.
type AttemptResponse struct {
	AttemptID string `json:"attempt_id"`
}

// RecordPickupAttempt logs a pickup attempt.
func (s *Service) RecordPickupAttempt(ctx context.Context, req AttemptRequest) (*AttemptResponse, error) {
	id, err := s.recorder.RecordAttempt(ctx, AttemptInput{
		DropID:     req.DropID,
		Result:     req.Result,
		ClientTime: req.ClientTime,
		UserAgent:  req.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	return &AttemptResponse{AttemptID: id}, nil
}

// Show returns the drop record in any status.
func (s *Service) Show(ctx context.Context, dropID string) (*model.Drop, error) {
	return s.lifecycle.Get(ctx, dropID)
}

// Purge deletes a drop synchronously, bypassing the job channel.
func (s *Service) Purge(ctx context.Context, dropID string) (int, error) {
	return s.orchestrator.DeleteDrop(ctx, dropID)
}
