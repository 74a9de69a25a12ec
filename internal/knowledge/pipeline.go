// Package knowledge turns an agent's bound knowledge sources into files on
// the remote service and trains the agent's assistant on them.
package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/agentrelay/internal/assistants"
	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/storage"
	"github.com/kalambet/agentrelay/internal/telemetry"
)

const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 300

	TrainedMessage = "Agent trained successfully"
)

// Uploader stores a file on the remote service.
type Uploader interface {
	UploadFile(ctx context.Context, name string, content io.Reader, purpose string) (assistants.File, error)
}

// Store is the subset of storage the pipeline reads and writes.
type Store interface {
	GetAgent(ctx context.Context, id string) (storage.Agent, error)
	GetSource(ctx context.Context, id string) (storage.KnowledgeSource, error)
	FreshRemoteFiles(ctx context.Context, agentID, sourceID string, after time.Time) ([]storage.RemoteFile, error)
	SaveRemoteFile(ctx context.Context, f storage.RemoteFile) (storage.RemoteFile, error)
	SetTrainingState(ctx context.Context, agentID, status, message string, trainedAt *time.Time) error
}

// Updater pushes the agent definition and file set to its assistant.
type Updater interface {
	Update(ctx context.Context, agent storage.Agent, fileIDs []string) (string, error)
}

type ErrorSink interface {
	RecordError(ctx context.Context, agentID, threadID string, err error)
}

// Options controls a single build.
type Options struct {
	// ForceRetrain ignores fresh remote file records and reprocesses every source.
	ForceRetrain bool
	// OptimizeForSpeed uploads one combined document per source instead of
	// chunks, a table of contents and an optimized document.
	OptimizeForSpeed bool
}

// Result lists the remote file ids produced by a build, in first-seen order
// without duplicates.
type Result struct {
	FileIDs   []string
	Reused    []string
	Processed []string
}

type TrainResult struct {
	AssistantID   string
	LastTrainedAt time.Time
	Message       string
	Files         Result
}

type Config struct {
	Uploader     Uploader
	Store        Store
	Updater      Updater
	Sink         ErrorSink
	Pages        PageFetcher
	Blobs        BlobOpener
	ChunkSize    int
	ChunkOverlap int
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

type Pipeline struct {
	uploader     Uploader
	store        Store
	updater      Updater
	sink         ErrorSink
	pages        PageFetcher
	blobs        BlobOpener
	chunkSize    int
	chunkOverlap int
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	tracer       trace.Tracer
	now          func() time.Time
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		uploader:     cfg.Uploader,
		store:        cfg.Store,
		updater:      cfg.Updater,
		sink:         cfg.Sink,
		pages:        cfg.Pages,
		blobs:        cfg.Blobs,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracer:       otel.Tracer("github.com/kalambet/agentrelay/knowledge"),
		now:          time.Now,
	}
	if p.chunkSize <= 0 {
		p.chunkSize = DefaultChunkSize
	}
	if p.chunkOverlap < 0 || p.chunkOverlap >= p.chunkSize {
		p.chunkOverlap = DefaultChunkOverlap
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.pages == nil || p.blobs == nil {
		f := NewHTTPFetcher()
		if p.pages == nil {
			p.pages = f
		}
		if p.blobs == nil {
			p.blobs = f
		}
	}
	return p
}

// Train marks the agent as training, builds its files, pushes them to the
// assistant and records the outcome on the agent.
func (p *Pipeline) Train(ctx context.Context, agentID string, opts Options) (TrainResult, error) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TrainResult{}, errs.E(errs.KindConfiguration, "train", err)
		}
		return TrainResult{}, fmt.Errorf("loading agent: %w", err)
	}

	if err := p.store.SetTrainingState(ctx, agent.ID, storage.TrainingRunning, "", nil); err != nil {
		return TrainResult{}, fmt.Errorf("marking training: %w", err)
	}

	res, err := p.train(ctx, agent, opts)
	if err != nil {
		p.metrics.TrainingFinished(ctx, storage.TrainingError)
		if serr := p.store.SetTrainingState(context.WithoutCancel(ctx), agent.ID, storage.TrainingError, err.Error(), nil); serr != nil {
			p.logger.ErrorContext(ctx, "recording training failure", "agent", agent.ID, "err", serr)
		}
		return TrainResult{}, err
	}

	p.metrics.TrainingFinished(ctx, storage.TrainingSuccess)
	if err := p.store.SetTrainingState(ctx, agent.ID, storage.TrainingSuccess, TrainedMessage, &res.LastTrainedAt); err != nil {
		return TrainResult{}, fmt.Errorf("marking trained: %w", err)
	}
	p.logger.InfoContext(ctx, "agent trained", "agent", agent.ID, "assistant", res.AssistantID, "files", len(res.Files.FileIDs))
	return res, nil
}

func (p *Pipeline) train(ctx context.Context, agent storage.Agent, opts Options) (TrainResult, error) {
	files, err := p.Build(ctx, agent, opts)
	if err != nil {
		return TrainResult{}, err
	}
	assistantID, err := p.updater.Update(ctx, agent, files.FileIDs)
	if err != nil {
		return TrainResult{}, err
	}
	return TrainResult{
		AssistantID:   assistantID,
		LastTrainedAt: p.now().UTC(),
		Message:       TrainedMessage,
		Files:         files,
	}, nil
}

// Build processes every source bound to agent sequentially. A failing item,
// kind or source is recorded and skipped; only cancellation stops the build.
func (p *Pipeline) Build(ctx context.Context, agent storage.Agent, opts Options) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "train.build", trace.WithAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.Int("sources", len(agent.SourceIDs)),
		attribute.Bool("optimize_for_speed", opts.OptimizeForSpeed),
	))
	defer span.End()

	ids := &idSet{seen: map[string]bool{}}
	var res Result
	for _, sourceID := range agent.SourceIDs {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}

		src, err := p.store.GetSource(ctx, sourceID)
		if err != nil {
			p.fail(ctx, agent.ID, "loading source "+sourceID, err)
			continue
		}

		if !opts.ForceRetrain {
			fresh, err := p.store.FreshRemoteFiles(ctx, agent.ID, src.ID, src.UpdatedAt)
			if err != nil {
				p.fail(ctx, agent.ID, "checking fresh files for source "+src.ID, err)
			} else if len(fresh) > 0 {
				for _, f := range fresh {
					ids.add(f.RemoteFileID)
				}
				p.logger.DebugContext(ctx, "reusing fresh files", "agent", agent.ID, "source", src.ID, "files", len(fresh))
				res.Reused = append(res.Reused, src.ID)
				continue
			}
		}

		p.processSource(ctx, agent, src, opts, ids)
		res.Processed = append(res.Processed, src.ID)
	}

	res.FileIDs = ids.list
	span.SetAttributes(attribute.Int("files", len(res.FileIDs)))
	return res, nil
}

type rawFile struct {
	file storage.SourceFile
	data []byte
}

func (p *Pipeline) processSource(ctx context.Context, agent storage.Agent, src storage.KnowledgeSource, opts Options, ids *idSet) {
	p.logger.InfoContext(ctx, "processing source", "agent", agent.ID, "source", src.ID, "speed", opts.OptimizeForSpeed)
	build := uuid.NewString()

	pages := p.fetchPages(ctx, agent.ID, src)
	raws := p.loadFiles(ctx, agent.ID, src)

	for _, r := range raws {
		name := r.file.Name + " (processed)"
		id, err := p.upload(ctx, r.file.Name, r.data, "raw")
		if err != nil {
			p.fail(ctx, agent.ID, "uploading file "+r.file.Name, err)
			continue
		}
		ids.add(id)
		p.persist(ctx, build, agent.ID, src.ID, name, id)
	}

	slug := Slug(src.Name)
	if opts.OptimizeForSpeed {
		if !hasContent(src, pages) {
			return
		}
		id, err := p.upload(ctx, "combined_"+slug+".md", []byte(CombinedDocument(src, pages)), "combined")
		if err != nil {
			p.fail(ctx, agent.ID, "uploading combined document for source "+src.ID, err)
			return
		}
		ids.add(id)
		p.persist(ctx, build, agent.ID, src.ID, "Combined: "+src.Name, id)
		return
	}

	p.processQuality(ctx, build, agent, src, pages, raws, slug, ids)
}

func (p *Pipeline) processQuality(ctx context.Context, build string, agent storage.Agent, src storage.KnowledgeSource, pages []WebPage, raws []rawFile, slug string, ids *idSet) {
	var sections []Section
	var texts []string

	for i, t := range src.Texts {
		sections = append(sections, Section{Title: fmt.Sprintf("Text Content %d", i+1), Content: t.Content})
		texts = append(texts, t.Content)
		for k, chunk := range Chunk(t.Content, p.chunkSize, p.chunkOverlap) {
			name := fmt.Sprintf("text_content_%s_%d_part%d.txt", src.ID, i+1, k+1)
			id, err := p.upload(ctx, name, []byte(chunk), "chunk")
			if err != nil {
				p.fail(ctx, agent.ID, "uploading chunk "+name, err)
				continue
			}
			ids.add(id)
		}
	}

	for _, r := range raws {
		if !isPDF(r.file.Name) {
			continue
		}
		text, err := PDFText(r.data)
		if err != nil {
			p.fail(ctx, agent.ID, "extracting text from "+r.file.Name, err)
			continue
		}
		if text == "" {
			continue
		}
		sections = append(sections, Section{Title: r.file.Name, Content: text})
		texts = append(texts, text)
	}

	for _, page := range pages {
		if page.Text != "" {
			sections = append(sections, Section{Title: page.URL, Content: page.Text})
		}
	}

	if len(sections) > 0 {
		name := "toc_" + slug + ".md"
		id, err := p.upload(ctx, name, []byte(TableOfContents(src.Name, sections)), "toc")
		if err != nil {
			p.fail(ctx, agent.ID, "uploading "+name, err)
		} else {
			ids.add(id)
		}
	}

	if len(texts) == 0 && len(src.QA) == 0 {
		return
	}
	name := "optimized_" + slug + ".md"
	id, err := p.upload(ctx, name, []byte(OptimizedDocument(src.Name, texts, src.QA)), "optimized")
	if err != nil {
		p.fail(ctx, agent.ID, "uploading "+name, err)
		return
	}
	ids.add(id)
	p.persist(ctx, build, agent.ID, src.ID, "Optimized: "+src.Name, id)
}

// fetchPages keeps a bare URL reference when a page cannot be fetched.
func (p *Pipeline) fetchPages(ctx context.Context, agentID string, src storage.KnowledgeSource) []WebPage {
	pages := make([]WebPage, 0, len(src.Websites))
	for _, w := range src.Websites {
		text, err := p.pages.FetchText(ctx, w.URL)
		if err != nil {
			p.fail(ctx, agentID, "fetching "+w.URL, err)
		}
		pages = append(pages, WebPage{URL: w.URL, Text: text})
	}
	return pages
}

func (p *Pipeline) loadFiles(ctx context.Context, agentID string, src storage.KnowledgeSource) []rawFile {
	var raws []rawFile
	for _, f := range src.Files {
		data, err := p.readBlob(ctx, f.BlobURL)
		if err != nil {
			p.fail(ctx, agentID, "reading file "+f.Name, err)
			continue
		}
		raws = append(raws, rawFile{file: f, data: data})
	}
	return raws
}

func (p *Pipeline) readBlob(ctx context.Context, ref string) ([]byte, error) {
	rc, err := p.blobs.OpenBlob(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxBlobSize))
}

func (p *Pipeline) upload(ctx context.Context, name string, data []byte, artifact string) (string, error) {
	f, err := p.uploader.UploadFile(ctx, name, bytes.NewReader(data), assistants.PurposeAssistants)
	if err != nil {
		return "", err
	}
	p.metrics.FileUploaded(ctx, artifact)
	p.logger.DebugContext(ctx, "file uploaded", "name", name, "file", f.ID, "bytes", len(data))
	return f.ID, nil
}

func (p *Pipeline) persist(ctx context.Context, build, agentID, sourceID, name, remoteID string) {
	_, err := p.store.SaveRemoteFile(ctx, storage.RemoteFile{
		BuildID:      build,
		AgentID:      agentID,
		SourceID:     sourceID,
		Name:         name,
		RemoteFileID: remoteID,
	})
	if err != nil {
		p.fail(ctx, agentID, "recording remote file "+name, err)
	}
}

func (p *Pipeline) fail(ctx context.Context, agentID, op string, err error) {
	err = errs.E(errs.KindIngestionItem, op, err)
	if p.sink != nil {
		p.sink.RecordError(ctx, agentID, "", err)
		return
	}
	p.logger.WarnContext(ctx, "knowledge item skipped", "agent", agentID, "err", err)
}

func hasContent(src storage.KnowledgeSource, pages []WebPage) bool {
	return len(src.Texts) > 0 || len(src.QA) > 0 || len(src.Catalogs) > 0 || len(pages) > 0
}

type idSet struct {
	seen map[string]bool
	list []string
}

func (s *idSet) add(id string) {
	if id == "" || s.seen[id] {
		return
	}
	s.seen[id] = true
	s.list = append(s.list, id)
}
