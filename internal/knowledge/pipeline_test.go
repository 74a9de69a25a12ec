package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/agentrelay/internal/assistants"
	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/storage"
)

type fakeUploader struct {
	mu    sync.Mutex
	seq   int
	names []string
	body  map[string]string
	fail  map[string]bool
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{body: map[string]string{}, fail: map[string]bool{}}
}

func (u *fakeUploader) UploadFile(_ context.Context, name string, content io.Reader, purpose string) (assistants.File, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return assistants.File{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail[name] {
		return assistants.File{}, errors.New("upload rejected")
	}
	if purpose != assistants.PurposeAssistants {
		return assistants.File{}, fmt.Errorf("unexpected purpose %q", purpose)
	}
	u.seq++
	u.names = append(u.names, name)
	u.body[name] = string(data)
	return assistants.File{ID: fmt.Sprintf("file-%d", u.seq), Filename: name}, nil
}

func (u *fakeUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.names...)
}

type fakeUpdater struct {
	calls   int
	fileIDs []string
	err     error
}

func (f *fakeUpdater) Update(_ context.Context, _ storage.Agent, fileIDs []string) (string, error) {
	f.calls++
	f.fileIDs = fileIDs
	if f.err != nil {
		return "", f.err
	}
	return "asst_1", nil
}

type fakeWeb struct {
	pages map[string]string
	blobs map[string]string
}

func (w *fakeWeb) FetchText(_ context.Context, url string) (string, error) {
	if text, ok := w.pages[url]; ok {
		return text, nil
	}
	return "", errors.New("connection refused")
}

func (w *fakeWeb) OpenBlob(_ context.Context, ref string) (io.ReadCloser, error) {
	if data, ok := w.blobs[ref]; ok {
		return io.NopCloser(strings.NewReader(data)), nil
	}
	return nil, errors.New("no such blob")
}

type recordingSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *recordingSink) RecordError(_ context.Context, _, _ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

type fixture struct {
	store    *storage.Store
	uploader *fakeUploader
	updater  *fakeUpdater
	web      *fakeWeb
	sink     *recordingSink
	pipeline *Pipeline
	agent    storage.Agent
	source   storage.KnowledgeSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src, err := st.CreateSource(ctx, storage.KnowledgeSource{UserID: "u1", Name: "Help Center"})
	require.NoError(t, err)
	_, err = st.AddText(ctx, src.ID, "Our support line is open on weekdays.")
	require.NoError(t, err)
	_, err = st.AddQA(ctx, src.ID, "Do you ship abroad?", "Yes, worldwide.")
	require.NoError(t, err)

	agent, err := st.CreateAgent(ctx, storage.Agent{UserID: "u1", Name: "helper", SourceIDs: []string{src.ID}})
	require.NoError(t, err)

	f := &fixture{
		store:    st,
		uploader: newFakeUploader(),
		updater:  &fakeUpdater{},
		web:      &fakeWeb{pages: map[string]string{}, blobs: map[string]string{}},
		sink:     &recordingSink{},
		agent:    agent,
	}
	f.pipeline = New(Config{
		Uploader: f.uploader,
		Store:    st,
		Updater:  f.updater,
		Sink:     f.sink,
		Pages:    f.web,
		Blobs:    f.web,
	})
	f.refresh(t)
	tick()
	return f
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	src, err := f.store.GetSource(context.Background(), f.agent.SourceIDs[0])
	require.NoError(t, err)
	f.source = src
}

// tick keeps successive timestamps strictly increasing on coarse clocks.
func tick() { time.Sleep(2 * time.Millisecond) }

func TestBuildSpeedModeUploadsCombinedDocument(t *testing.T) {
	f := newFixture(t)

	res, err := f.pipeline.Build(context.Background(), f.agent, Options{OptimizeForSpeed: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"combined_help_center.md"}, f.uploader.uploaded())
	assert.Equal(t, []string{"file-1"}, res.FileIDs)
	assert.Equal(t, []string{f.source.ID}, res.Processed)
	assert.Contains(t, f.uploader.body["combined_help_center.md"], "Do you ship abroad?")

	records, err := f.store.ListRemoteFiles(context.Background(), f.agent.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Combined: Help Center", records[0].Name)
	assert.Equal(t, f.source.ID, records[0].SourceID)
}

// TestBuildReusesFreshFiles covers the freshness rule: records newer than the
// source are reused, a later content change forces reprocessing.
func TestBuildReusesFreshFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := Options{OptimizeForSpeed: true}

	first, err := f.pipeline.Build(ctx, f.agent, opts)
	require.NoError(t, err)
	tick()

	second, err := f.pipeline.Build(ctx, f.agent, opts)
	require.NoError(t, err)
	assert.Equal(t, first.FileIDs, second.FileIDs)
	assert.Equal(t, []string{f.source.ID}, second.Reused)
	assert.Len(t, f.uploader.uploaded(), 1)

	_, err = f.store.AddText(ctx, f.source.ID, "New holiday hours.")
	require.NoError(t, err)
	tick()

	third, err := f.pipeline.Build(ctx, f.agent, opts)
	require.NoError(t, err)
	assert.Empty(t, third.Reused)
	assert.Equal(t, []string{"file-2"}, third.FileIDs)
	assert.Len(t, f.uploader.uploaded(), 2)
}

func TestBuildForceRetrainIgnoresFreshFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Build(ctx, f.agent, Options{OptimizeForSpeed: true})
	require.NoError(t, err)
	tick()

	res, err := f.pipeline.Build(ctx, f.agent, Options{OptimizeForSpeed: true, ForceRetrain: true})
	require.NoError(t, err)
	assert.Empty(t, res.Reused)
	assert.Equal(t, []string{"file-2"}, res.FileIDs)
}

// TestBuildReuseAfterForceRetrain verifies that reuse picks up only the
// newest build of a source, never the one a forced retrain replaced.
func TestBuildReuseAfterForceRetrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	speed := Options{OptimizeForSpeed: true}

	_, err := f.pipeline.Build(ctx, f.agent, speed)
	require.NoError(t, err)
	tick()

	forced, err := f.pipeline.Build(ctx, f.agent, Options{OptimizeForSpeed: true, ForceRetrain: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"file-2"}, forced.FileIDs)
	tick()

	reused, err := f.pipeline.Build(ctx, f.agent, speed)
	require.NoError(t, err)
	assert.Equal(t, []string{f.source.ID}, reused.Reused)
	assert.Equal(t, []string{"file-2"}, reused.FileIDs)
	assert.Len(t, f.uploader.uploaded(), 2)
}

func TestBuildQualityMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	long := strings.Repeat("a", 2500)
	_, err := f.store.AddText(ctx, f.source.ID, long)
	require.NoError(t, err)
	f.refresh(t)
	tick()

	res, err := f.pipeline.Build(ctx, f.agent, Options{})
	require.NoError(t, err)

	want := []string{
		fmt.Sprintf("text_content_%s_1_part1.txt", f.source.ID),
		fmt.Sprintf("text_content_%s_2_part1.txt", f.source.ID),
		fmt.Sprintf("text_content_%s_2_part2.txt", f.source.ID),
		"toc_help_center.md",
		"optimized_help_center.md",
	}
	assert.Equal(t, want, f.uploader.uploaded())
	assert.Len(t, res.FileIDs, len(want))

	assert.Contains(t, f.uploader.body["toc_help_center.md"], "[Text Content 2](#text-content-2)")
	assert.Contains(t, f.uploader.body["optimized_help_center.md"], "Q: Do you ship abroad?\nA: Yes, worldwide.")

	// Only the optimized document is recorded for reuse.
	records, err := f.store.ListRemoteFiles(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Optimized: Help Center", records[0].Name)
	assert.Equal(t, res.FileIDs[len(res.FileIDs)-1], records[0].RemoteFileID)
}

func TestBuildRawFilesPersistedInBothModes(t *testing.T) {
	for _, speed := range []bool{true, false} {
		t.Run(fmt.Sprintf("speed=%v", speed), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.web.blobs["/data/menu.txt"] = "soup of the day"
			_, err := f.store.AddSourceFile(ctx, f.source.ID, "menu.txt", "/data/menu.txt")
			require.NoError(t, err)
			tick()

			_, err = f.pipeline.Build(ctx, f.agent, Options{OptimizeForSpeed: speed})
			require.NoError(t, err)
			assert.Equal(t, "menu.txt", f.uploader.uploaded()[0])

			records, err := f.store.ListRemoteFiles(ctx, f.agent.ID)
			require.NoError(t, err)
			var names []string
			for _, r := range records {
				names = append(names, r.Name)
			}
			assert.Contains(t, names, "menu.txt (processed)")
		})
	}
}

func TestBuildPartialFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.AddWebsite(ctx, f.source.ID, "https://offline.example")
	require.NoError(t, err)
	_, err = f.store.AddSourceFile(ctx, f.source.ID, "missing.pdf", "/nowhere/missing.pdf")
	require.NoError(t, err)

	other, err := f.store.CreateSource(ctx, storage.KnowledgeSource{UserID: "u1", Name: "Broken"})
	require.NoError(t, err)
	_, err = f.store.AddText(ctx, other.ID, "unreachable")
	require.NoError(t, err)
	f.uploader.fail["combined_broken.md"] = true

	f.agent.SourceIDs = []string{"no-such-source", other.ID, f.source.ID}
	tick()

	res, err := f.pipeline.Build(ctx, f.agent, Options{OptimizeForSpeed: true})
	require.NoError(t, err)

	// The healthy source still yields its combined document with the bare URL.
	assert.Equal(t, []string{"file-1"}, res.FileIDs)
	assert.Contains(t, f.uploader.body["combined_help_center.md"], "### https://offline.example")

	require.Len(t, f.sink.errs, 4)
	for _, e := range f.sink.errs {
		assert.Equal(t, errs.KindIngestionItem, errs.KindOf(e))
	}
}

func TestBuildDeduplicatesFileIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent.SourceIDs = []string{f.source.ID, f.source.ID}

	res, err := f.pipeline.Build(ctx, f.agent, Options{OptimizeForSpeed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"file-1"}, res.FileIDs)
}

func TestBuildCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Build(ctx, f.agent, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainRecordsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Train(ctx, f.agent.ID, Options{OptimizeForSpeed: true})
	require.NoError(t, err)
	assert.Equal(t, "asst_1", res.AssistantID)
	assert.Equal(t, TrainedMessage, res.Message)
	assert.Equal(t, []string{"file-1"}, f.updater.fileIDs)

	agent, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TrainingSuccess, agent.TrainingStatus)
	require.NotNil(t, agent.LastTrainedAt)
}

func TestTrainRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.updater.err = errs.E(errs.KindRemoteTransient, "update assistant", errors.New("boom"))

	_, err := f.pipeline.Train(ctx, f.agent.ID, Options{OptimizeForSpeed: true})
	require.Error(t, err)

	agent, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TrainingError, agent.TrainingStatus)
	assert.Contains(t, agent.TrainingMessage, "boom")
}

func TestTrainUnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Train(context.Background(), "missing", Options{})
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
	assert.Equal(t, 0, f.updater.calls)
}
