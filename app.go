package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/gpamesh/mesh"
	"github.com/kwv/gpamesh/procrustes"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *mesh.Config
	Logger     *zap.SugaredLogger
	Store      *mesh.ResultStore
	MQTTClient *mesh.MQTTClient
	Publisher  *mesh.Publisher
	Out        io.Writer
}

// NewApp creates a new App instance
func NewApp(config *mesh.Config, logger *zap.SugaredLogger, out io.Writer) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &App{
		Config: config,
		Logger: logger,
		Store:  mesh.NewResultStore(mesh.DefaultHistoryLimit),
		Out:    out,
	}
}

// baseOptions returns solver options from the config with the app logger.
func (a *App) baseOptions() (procrustes.Options, error) {
	opts, err := a.Config.Alignment.Options()
	if err != nil {
		return procrustes.Options{}, err
	}
	opts.Logger = a.Logger.Named("procrustes")
	return opts, nil
}

// RunAlign loads the configured input directory, aligns it and exports the
// result.
func (a *App) RunAlign(ctx context.Context) (*mesh.ResultDocument, error) {
	in := a.Config.Input
	group, sources, err := mesh.LoadGroup(in.Dir, in.Pattern, in.Reference)
	if err != nil {
		return nil, err
	}
	a.Logger.Infof("Loaded %d shapes from %s", len(group), in.Dir)

	opts, err := a.baseOptions()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := procrustes.Align(ctx, group, opts)
	if err != nil {
		return nil, fmt.Errorf("aligning %s: %w", in.Dir, err)
	}
	doc := mesh.NewResultDocument("", res)
	a.Logger.Infow("alignment finished",
		"runId", doc.RunID,
		"iterations", doc.Iterations,
		"disparity", doc.FinalDisparity,
		"stopReason", doc.StopReason,
		"elapsed", time.Since(start))
	if !doc.Converged {
		a.Logger.Warnf("Alignment stopped before converging (%s)", doc.StopReason)
	}

	out := a.Config.Output
	written, err := mesh.ExportResult(out.Dir, doc, sources, mesh.ExportOptions{
		Transforms: out.WriteTransforms,
		GeoJSON:    out.WriteGeoJSON,
		ResultFile: out.ResultFile,
	})
	if err != nil {
		return doc, fmt.Errorf("exporting to %s: %w", out.Dir, err)
	}
	if err := a.Store.Add(doc); err != nil {
		return doc, err
	}

	fmt.Fprintf(a.Out, "Aligned %d shapes in %d iterations (%s)\n", len(doc.Shapes), doc.Iterations, doc.StopReason)
	fmt.Fprintf(a.Out, "Final disparity: %.6g\n", doc.FinalDisparity)
	if sum, err := mesh.Summarize(doc); err == nil {
		a.printSummary(sum)
	}
	fmt.Fprintf(a.Out, "Wrote %d files to %s\n", len(written), out.Dir)
	return doc, nil
}

// RunInspect lists the shapes the align command would load.
func (a *App) RunInspect() error {
	in := a.Config.Input
	files, err := mesh.ScanDir(in.Dir, in.Pattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files matching %q in %s", in.Pattern, in.Dir)
	}

	fmt.Fprintf(a.Out, "Found %d shape file(s) in %s\n\n", len(files), in.Dir)
	counts := make(map[int]int)
	for _, path := range files {
		shape, src, err := mesh.LoadShape(path)
		if err != nil {
			fmt.Fprintf(a.Out, "  %-32s ERROR: %v\n", filepath.Base(path), err)
			continue
		}
		kind := "landmarks"
		if src.PolyData != nil {
			kind = strings.ToLower(src.PolyData.Dataset)
		}
		marker := ""
		if shape.ID == in.Reference {
			marker = " (reference)"
		}
		fmt.Fprintf(a.Out, "  %-32s %6d points  %s%s\n", shape.ID, len(shape.Points), kind, marker)
		counts[len(shape.Points)]++
	}

	if len(counts) > 1 {
		fmt.Fprintln(a.Out, "\nWARNING: shapes have different landmark counts and cannot be aligned together")
	}
	return nil
}

// RunSummary prints statistics for a saved result document.
func (a *App) RunSummary(path string) error {
	doc, err := mesh.LoadResult(path)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("result file not found: %s", path)
	}
	sum, err := mesh.Summarize(doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Run %s (%s, %s)\n", doc.RunID, doc.Mode, doc.StopReason)
	a.printSummary(sum)
	return nil
}

func (a *App) printSummary(sum mesh.Summary) {
	fmt.Fprintf(a.Out, "Shapes: %d, landmarks: %d\n", sum.Shapes, sum.Landmarks)
	fmt.Fprintf(a.Out, "RMSD to mean: %.6g\n", sum.RMSD)
	fmt.Fprintf(a.Out, "Residual mean/median/stddev: %.6g / %.6g / %.6g\n", sum.MeanResidual, sum.MedianResidual, sum.StdDevResidual)
	fmt.Fprintf(a.Out, "Worst shape: %s (%.6g)\n", sum.WorstShape, sum.MaxResidual)
}

// Align executes a request, stores the result and publishes it when MQTT is
// enabled.
func (a *App) Align(ctx context.Context, req mesh.AlignRequest) (*mesh.ResultDocument, error) {
	opts, err := a.baseOptions()
	if err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = mesh.NewRunID()
	}

	doc, err := mesh.Execute(ctx, req, opts)
	if err != nil {
		a.Logger.Warnw("alignment request failed", "runId", req.RunID, "kind", mesh.ErrorKind(err), "error", err)
		if a.Publisher != nil {
			if pubErr := a.Publisher.PublishError(req.RunID, err); pubErr != nil {
				a.Logger.Warnw("failed to publish error", "error", pubErr)
			}
		}
		return nil, err
	}

	if err := a.Store.Add(doc); err != nil {
		return nil, err
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(doc); err != nil {
			a.Logger.Warnw("failed to publish result", "runId", doc.RunID, "error", err)
		}
	}
	return doc, nil
}

// handleMQTTRequest adapts Align to the MQTT request callback.
func (a *App) handleMQTTRequest(ctx context.Context) mesh.RequestHandler {
	return func(req mesh.AlignRequest, err error) {
		if err != nil {
			if a.Publisher != nil {
				_ = a.Publisher.PublishError("", err)
			}
			return
		}
		// paho delivers on its own goroutine; keep it free while the solver runs.
		go func() {
			if doc, err := a.Align(ctx, req); err == nil {
				a.Logger.Infow("served MQTT alignment request", "runId", doc.RunID)
			}
		}()
	}
}

// RunService serves HTTP and, when enableMQTT is set, MQTT requests until
// ctx is cancelled.
func (a *App) RunService(ctx context.Context, enableMQTT bool) error {
	a.Logger.Info("Starting gpamesh service")

	if enableMQTT {
		client, err := mesh.NewMQTTClient(a.Config, a.handleMQTTRequest(ctx), a.Logger)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = mesh.NewPublisher(client.Client(), a.Config.MQTT.PublishPrefix, a.Logger.Named("publisher"))
		client.Start(ctx)
		a.Logger.Infof("Listening for requests on %s", client.RequestTopic())
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Infof("[HTTP] Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.Logger.Info("Shutting down service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warnw("http shutdown", "error", err)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	a.Logger.Info("Service stopped")
	return serveErr
}
