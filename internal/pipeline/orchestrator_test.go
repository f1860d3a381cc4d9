package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/dermavision/curator/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dataset = "skin"
	cfg.Extract.SpillDir = t.TempDir()
	cfg.Normalize.TargetSide = 64
	cfg.Manifest.Seed = 7
	cfg.Orchestrator.ReadyInterval = "5ms"
	cfg.Orchestrator.ReadyTimeout = "5s"
	return cfg
}

func newTestOrchestrator(t *testing.T, store objstore.Claimable, trigger StageTrigger) (*Orchestrator, *Stages) {
	t.Helper()
	stages := &Stages{Store: store, Config: testConfig(t)}
	if trigger == nil {
		trigger = stages.Local()
	}
	o, err := NewOrchestrator(stages, trigger)
	require.NoError(t, err)
	return o, stages
}

// recordingTrigger records requests and fails the stages listed in fail.
type recordingTrigger struct {
	mu   sync.Mutex
	reqs []StageRequest
	fail map[Stage]error
}

func (r *recordingTrigger) Trigger(ctx context.Context, req StageRequest, wait bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.Wait = wait
	r.reqs = append(r.reqs, req)
	return r.fail[req.Stage]
}

func (r *recordingTrigger) stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, 0, len(r.reqs))
	for _, req := range r.reqs {
		out = append(out, req.Stage)
	}
	return out
}

var classNames = []string{"acne", "mole", "wart"}

// lesionArchive builds a Roboflow-style export of n images split over a
// train and a valid folder, cycling through three classes.
func lesionArchive(t *testing.T, n int) []byte {
	t.Helper()
	img := testutil.JPEG(t, 64, 48)
	docs := map[string]*testutil.COCO{"train": {}, "valid": {}}
	for _, d := range docs {
		for i, name := range classNames {
			d.Category(i+1, name)
		}
	}
	var entries []testutil.ZipEntry
	for i := 0; i < n; i++ {
		folder := "train"
		if i%10 == 9 {
			folder = "valid"
		}
		name := fmt.Sprintf("lesion_%03d.jpg", i)
		d := docs[folder]
		id := len(d.Images)
		d.Image(id, name, 64, 48).Box(id, i%3+1, 8, 8, 24, 24)
		entries = append(entries, testutil.ZipEntry{Name: folder + "/" + name, Data: img})
	}
	for folder, d := range docs {
		entries = append(entries, testutil.ZipEntry{Name: folder + "/_annotations.coco.json", Data: d.JSON(t)})
	}
	return testutil.Zip(t, entries...)
}

func countLines(t *testing.T, store objstore.Store, key string) int {
	t.Helper()
	data, _, err := objstore.ReadAll(context.Background(), store, key)
	require.NoError(t, err)
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	require.NoError(t, sc.Err())
	return n
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore("bkt")
	o, _ := newTestOrchestrator(t, store, nil)
	layout := dataset.NewLayout("skin")

	_, err := objstore.PutBytes(ctx, store, "landing/clinic-a/export.zip", lesionArchive(t, 120), objstore.PutOptions{})
	require.NoError(t, err)

	sum := o.Run(ctx, "")
	require.True(t, sum.OK, "run failed: %+v", sum)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, "skin", sum.Dataset)
	assert.True(t, sum.Ready)
	assert.False(t, sum.ManifestSkipped)
	require.NotNil(t, sum.Extract)
	assert.Equal(t, 1, sum.Extract.Consumed)
	assert.Equal(t, 120, sum.Extract.Images)

	processed, err := objstore.ListAll(ctx, store, layout.PreprocessedImagesPrefix())
	require.NoError(t, err)
	assert.Len(t, processed, 120)

	assert.Equal(t, 108, countLines(t, store, layout.TrainManifestKey()))
	assert.Equal(t, 12, countLines(t, store, layout.ValManifestKey()))

	labels, _, err := objstore.ReadAll(ctx, store, layout.LabelsTxtKey())
	require.NoError(t, err)
	assert.ElementsMatch(t, classNames, strings.Fields(string(labels)))

	raw, _, err := objstore.ReadAll(ctx, store, layout.ReportKey())
	require.NoError(t, err)
	var report struct {
		OK      bool `json:"ok"`
		Summary struct {
			ImagesCOCO      int `json:"imgs_coco"`
			ImagesProcessed int `json:"imgs_processed"`
			TrainManifest   int `json:"train_manifest"`
			ValManifest     int `json:"val_manifest"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.OK)
	assert.Equal(t, 120, report.Summary.ImagesCOCO)
	assert.Equal(t, 120, report.Summary.ImagesProcessed)
	assert.Equal(t, 108, report.Summary.TrainManifest)
	assert.Equal(t, 12, report.Summary.ValManifest)

	landing, err := objstore.ListAll(ctx, store, "landing/")
	require.NoError(t, err)
	assert.Empty(t, landing, "archive consumed")

	again := o.Run(ctx, "")
	assert.True(t, again.OK)
	assert.True(t, again.Idle)
	assert.True(t, again.Ready)
}

func TestRunSkipsManifestWhenNotReady(t *testing.T) {
	rec := &recordingTrigger{}
	o, _ := newTestOrchestrator(t, objstore.NewMemStore("bkt"), rec)
	o.Force = true
	o.ReadyInterval = 2 * time.Millisecond
	o.ReadyTimeout = 30 * time.Millisecond

	sum := o.Run(context.Background(), "skin")
	assert.False(t, sum.OK)
	assert.False(t, sum.Ready)
	assert.True(t, sum.ManifestSkipped)
	assert.Empty(t, sum.TriggerErrors)
	assert.Equal(t, []Stage{StageNormalize}, rec.stages())
}

func TestRunFireAndForgetNormalize(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore("bkt")
	rec := &recordingTrigger{}
	o, _ := newTestOrchestrator(t, store, rec)
	o.Force = true
	o.WaitForNormalize = false

	_, err := objstore.PutBytes(ctx, store, dataset.NewLayout("skin").ReadyKey(), nil, objstore.PutOptions{})
	require.NoError(t, err)

	sum := o.Run(ctx, "skin")
	assert.True(t, sum.OK)
	assert.Equal(t, []Stage{StageNormalize, StageManifest}, rec.stages())
	assert.False(t, rec.reqs[0].Wait)
	assert.True(t, rec.reqs[1].Wait)
}

func TestRunRecordsTriggerErrors(t *testing.T) {
	t.Run("normalize", func(t *testing.T) {
		rec := &recordingTrigger{fail: map[Stage]error{StageNormalize: errors.New("connection refused")}}
		o, _ := newTestOrchestrator(t, objstore.NewMemStore("bkt"), rec)
		o.Force = true

		sum := o.Run(context.Background(), "skin")
		assert.False(t, sum.OK)
		assert.True(t, sum.ManifestSkipped)
		assert.Equal(t, []TriggerError{{Stage: StageNormalize, Error: "connection refused"}}, sum.TriggerErrors)
		assert.Equal(t, []Stage{StageNormalize}, rec.stages())
	})

	t.Run("manifest", func(t *testing.T) {
		ctx := context.Background()
		store := objstore.NewMemStore("bkt")
		rec := &recordingTrigger{fail: map[Stage]error{StageManifest: errors.New("no manifest items")}}
		o, _ := newTestOrchestrator(t, store, rec)
		o.Force = true
		_, err := objstore.PutBytes(ctx, store, dataset.NewLayout("skin").ReadyKey(), nil, objstore.PutOptions{})
		require.NoError(t, err)

		sum := o.Run(ctx, "skin")
		assert.False(t, sum.OK)
		assert.True(t, sum.Ready)
		assert.False(t, sum.ManifestSkipped)
		require.Len(t, sum.TriggerErrors, 1)
		assert.Equal(t, StageManifest, sum.TriggerErrors[0].Stage)
	})
}

func TestRunIdleWithoutCanonical(t *testing.T) {
	rec := &recordingTrigger{}
	o, _ := newTestOrchestrator(t, objstore.NewMemStore("bkt"), rec)

	sum := o.Run(context.Background(), "")
	assert.True(t, sum.OK)
	assert.True(t, sum.Idle)
	assert.Empty(t, rec.stages())
}

func TestNewArchiveClearsStaleReadiness(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore("bkt")
	rec := &recordingTrigger{}
	o, _ := newTestOrchestrator(t, store, rec)
	o.ReadyInterval = 2 * time.Millisecond
	o.ReadyTimeout = 20 * time.Millisecond
	layout := dataset.NewLayout("skin")

	_, err := objstore.PutBytes(ctx, store, layout.ReadyKey(), nil, objstore.PutOptions{})
	require.NoError(t, err)
	_, err = objstore.PutBytes(ctx, store, "landing/export.zip", lesionArchive(t, 10), objstore.PutOptions{})
	require.NoError(t, err)

	sum := o.Run(ctx, "")
	assert.Equal(t, 1, sum.Extract.Consumed)
	assert.False(t, sum.Ready, "the old marker must not satisfy the wait")
	assert.True(t, sum.ManifestSkipped)
}

func TestRunValidateTriggerFailureKeepsManifest(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore("bkt")
	stages := &Stages{Store: store, Config: testConfig(t)}
	validator := &recordingTrigger{fail: map[Stage]error{StageValidate: errors.New("validator endpoint down")}}
	stages.Next = validator
	local := stages.Local()
	o, err := NewOrchestrator(stages, local)
	require.NoError(t, err)
	layout := dataset.NewLayout("skin")

	_, err = objstore.PutBytes(ctx, store, "landing/export.zip", lesionArchive(t, 30), objstore.PutOptions{})
	require.NoError(t, err)

	sum := o.Run(ctx, "")
	assert.True(t, sum.OK, "run failed: %+v", sum)
	assert.Empty(t, sum.TriggerErrors)
	assert.False(t, sum.ManifestSkipped)
	assert.Equal(t, []Stage{StageValidate}, validator.stages())
	assert.Equal(t, sum.RunID, validator.reqs[0].RunID)
	require.NotNil(t, validator.reqs[0].Counts)
	assert.Equal(t, 30, validator.reqs[0].Counts.Train+validator.reqs[0].Counts.Val)

	assert.Equal(t, 27, countLines(t, store, layout.TrainManifestKey()))
	assert.Equal(t, 3, countLines(t, store, layout.ValManifestKey()))

	// A direct manifest request succeeds as well.
	err = local.Trigger(ctx, StageRequest{Stage: StageManifest, Dataset: "skin"}, true)
	assert.NoError(t, err)
	assert.Len(t, validator.stages(), 2)
}
