package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/cloudreg/align"
	"github.com/rs/zerolog/log"
)

// App wires the registration pipeline to its result sinks
type App struct {
	Config    *align.Config
	Registrar *align.Registrar
	Tracker   *align.RunTracker
	Store     *align.RecordStore
	MQTT      *align.MQTTClient
	Publisher *align.Publisher
}

// NewApp validates cfg and builds the pipeline and run tracker
func NewApp(cfg *align.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	reg, err := align.NewRegistrar(cfg.PipelineConfig())
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Registrar: reg}
	a.Tracker = align.NewRunTrackerWithCache(a.outputPath(cfg.Output.TrackerCache), cfg.Success)
	return a, nil
}

// OpenSinks opens the record store and connects the MQTT publisher when
// configured. An unreachable broker only disables publishing.
func (a *App) OpenSinks(ctx context.Context) error {
	if path := a.outputPath(a.Config.Output.Database); path != "" {
		store, err := align.OpenRecordStore(path)
		if err != nil {
			return err
		}
		a.Store = store
	}

	if client := align.NewMQTTClient(a.Config.MQTT); client != nil {
		if err := client.Connect(ctx, 3); err != nil {
			log.Warn().Err(err).Msg("MQTT unavailable, diagnostics will not be published")
		} else {
			a.MQTT = client
			a.Publisher = client.Publisher()
		}
	}
	return nil
}

// Close releases the store and broker connection
func (a *App) Close() error {
	if a.MQTT != nil {
		a.MQTT.Disconnect()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// outputPath resolves a configured file name against the output directory.
// Empty names stay empty so the sink remains disabled.
func (a *App) outputPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(a.Config.Output.Dir, name)
}

func plyPath(dir, sampleID string) string {
	return filepath.Join(dir, "ply", sampleID+".ply")
}

func renderPath(dir, sampleID, ext string) string {
	return filepath.Join(dir, "render", sampleID+"."+ext)
}

// datasetFromConfig returns the manifest dataset when one is configured and
// a synthetic dataset otherwise
func datasetFromConfig(cfg *align.Config) (align.Dataset, error) {
	if cfg.Dataset.Manifest != "" {
		ds, err := align.LoadManifest(cfg.Dataset.Manifest)
		if err != nil {
			return nil, err
		}
		if cfg.Dataset.Augment.Enabled {
			aug := cfg.Dataset.Augment.Augmenter()
			ds.WithAugmenter(&aug)
		}
		return ds, nil
	}
	syn := cfg.Dataset.Synthetic
	return &align.SyntheticDataset{
		Count:   syn.Count,
		Points:  syn.Points,
		Shape:   syn.Shape,
		Seed:    syn.Seed,
		Augment: cfg.Dataset.Augment.Augmenter(),
	}, nil
}

// RunDataset registers every sample of ds and returns the run summary.
// Per-sample failures, including samples that cannot be loaded, are
// recorded and the run continues. Only cancellation stops it early.
func (a *App) RunDataset(ctx context.Context, ds align.Dataset) (align.Summary, error) {
	runID := uuid.New().String()
	a.Tracker.StartRun(runID, ds.Len())
	log.Info().Str("run", runID).Int("samples", ds.Len()).Msg("Starting run")

	for i := 0; i < ds.Len(); i++ {
		if err := ctx.Err(); err != nil {
			a.Tracker.Finish()
			return align.Summary{}, err
		}
		s, err := ds.Sample(i)
		if err == nil {
			_, err = a.processSample(ctx, runID, s)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				a.Tracker.Finish()
				return align.Summary{}, ctxErr
			}
			a.recordFailure(runID, ds.SampleID(i), err)
		}
	}

	sum := a.Tracker.Finish()
	if a.Publisher != nil {
		if err := a.Publisher.PublishSummary(sum); err != nil {
			log.Warn().Err(err).Msg("Failed to publish run summary")
		}
	}
	logSummary(sum)
	return sum, nil
}

// RunPair registers one pair of PLY files. reference may be nil.
func (a *App) RunPair(ctx context.Context, sourcePath, targetPath string, reference *align.RigidTransform) (*align.Record, error) {
	src, err := align.ReadPLY(sourcePath)
	if err != nil {
		return nil, err
	}
	tgt, err := align.ReadPLY(targetPath)
	if err != nil {
		return nil, err
	}
	s := &align.Sample{
		ID:        pairID(sourcePath, targetPath),
		Source:    src,
		Target:    tgt,
		Reference: reference,
	}

	runID := uuid.New().String()
	a.Tracker.StartRun(runID, 1)
	rec, err := a.processSample(ctx, runID, s)
	sum := a.Tracker.Finish()
	if err != nil {
		return nil, err
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishSummary(sum); err != nil {
			log.Warn().Err(err).Msg("Failed to publish run summary")
		}
	}
	return rec, nil
}

func pairID(sourcePath, targetPath string) string {
	base := func(p string) string {
		return strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	}
	return base(sourcePath) + "_" + base(targetPath)
}

// processSample registers one sample and feeds every sink. Sink failures are
// logged and do not stop the run.
func (a *App) processSample(ctx context.Context, runID string, s *align.Sample) (*align.Record, error) {
	res, err := a.Registrar.Register(ctx, s.Source, s.Target, s.Reference)
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", s.ID, err)
	}
	pc := a.Registrar.Config()
	rec := align.NewRecord(runID, s.ID, res, s.Reference, pc.GTMatchRadius)

	a.writeArtifacts(s, res, rec)
	a.emitRecord(rec)

	ev := log.Info()
	if res.Err != nil {
		ev = log.Warn().Str("stage", string(res.Stage)).Str("failure", rec.Failure)
	}
	ev = ev.Str("sample", s.ID).
		Int("keypoints_a", rec.NumKeypointsA).
		Int("keypoints_b", rec.NumKeypointsB).
		Int("candidates", rec.NumCandidates).
		Int("inliers", rec.NumInliers).
		Float64("fitness", rec.Fitness).
		Dur("elapsed", res.Elapsed)
	if rec.HasReference {
		ev = ev.Float64("rot_deg", rec.RotationDeg).Float64("trans", rec.TranslationNorm).
			Float64("gt_inlier_ratio", rec.GTInlierRatio)
	}
	ev.Msg("Registered sample")
	return rec, nil
}

// recordFailure logs a sample that could not be loaded or registered and
// records it as failed so the rest of the run continues
func (a *App) recordFailure(runID, sampleID string, err error) {
	log.Error().Err(err).Str("sample", sampleID).Msg("Skipping sample")
	rec := &align.Record{
		RunID:     runID,
		SampleID:  sampleID,
		Status:    align.StatusFailed,
		Stage:     align.StageInput,
		Failure:   err.Error(),
		Transform: align.Identity(),
		CreatedAt: time.Now().UnixNano(),
	}
	a.emitRecord(rec)
}

// emitRecord feeds a record to the store, the publisher, the stats file and
// the tracker. Sink failures are logged.
func (a *App) emitRecord(rec *align.Record) {
	if a.Store != nil {
		if err := a.Store.Insert(rec); err != nil {
			log.Warn().Err(err).Str("sample", rec.SampleID).Msg("Failed to store record")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishRecord(rec); err != nil {
			log.Warn().Err(err).Str("sample", rec.SampleID).Msg("Failed to publish record")
		}
	}
	if stats := a.outputPath(a.Config.Output.Stats); stats != "" {
		if err := align.AppendStats(stats, rec); err != nil {
			log.Warn().Err(err).Msg("Failed to append stats")
		}
	}
	a.Tracker.AddRecord(rec)
}

// writeArtifacts dumps the fused scene and renders, including for failed
// samples so they can be inspected.
func (a *App) writeArtifacts(s *align.Sample, res *align.RegistrationResult, rec *align.Record) {
	out := a.Config.Output
	if !out.PLY && out.Render == "" {
		return
	}
	scene := align.NewRegistrationScene(res, align.ViewOptions{
		Reference:     s.Reference,
		CorrectRadius: a.Registrar.Config().GTMatchRadius,
	})

	if out.PLY {
		if err := align.SaveScenePLY(plyPath(out.Dir, s.ID), scene); err != nil {
			log.Warn().Err(err).Str("sample", s.ID).Msg("Failed to write PLY")
		}
	}

	var formats []string
	switch out.Render {
	case "svg", "png":
		formats = []string{out.Render}
	case "both":
		formats = []string{"svg", "png"}
	}
	title := renderTitle(rec)
	for _, ext := range formats {
		if err := align.RenderScene(renderPath(out.Dir, s.ID, ext), scene, title...); err != nil {
			log.Warn().Err(err).Str("sample", s.ID).Msg("Failed to render")
		}
	}
}

func renderTitle(rec *align.Record) []string {
	lines := []string{fmt.Sprintf("%s: %s (%s)", rec.SampleID, rec.Status, rec.Stage)}
	lines = append(lines, fmt.Sprintf("candidates %d  inliers %d  fitness %.3f", rec.NumCandidates, rec.NumInliers, rec.Fitness))
	if rec.HasReference {
		lines = append(lines, fmt.Sprintf("rot err %.3f deg  trans err %.4f", rec.RotationDeg, rec.TranslationNorm))
	}
	return lines
}

func logSummary(sum align.Summary) {
	ev := log.Info().
		Str("run", sum.RunID).
		Int("samples", sum.Samples).
		Int("registered", sum.Registered).
		Int("failed", sum.Failed).
		Float64("success_rate", sum.SuccessRate).
		Float64("mean_rot_deg", sum.MeanRotationDeg).
		Float64("std_rot_deg", sum.StdRotationDeg).
		Float64("mean_trans", sum.MeanTranslation).
		Float64("std_trans", sum.StdTranslation)
	for _, st := range sum.FailureStages() {
		ev = ev.Int("failed_"+string(st), sum.FailuresByStage[st])
	}
	ev.Msg("Run complete")
}

// Serve runs the results server until ctx is cancelled
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newHTTPServer(a.Tracker, a.Store, a.Config.Output.Dir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Results server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down results server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
